package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Service provides token ledger operations.
//
// Money invariants:
// - No balance update without a ledger entry
// - Ledger is append-only
// - Posting is atomic per identity and idempotent on (identity, idempotency_key)
type Service struct {
	repo Repository
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// Repository persists entries and the balance projection.
// Post must apply the entry and the balance delta in one atomic step, serialized
// per identity. When an entry with the same idempotency key already exists it
// returns that entry and the current balance without posting again.
type Repository interface {
	Post(ctx context.Context, e Entry, allowNegative bool) (Entry, Balance, error)
	PostAdminGrant(ctx context.Context, e Entry, a AdminAction) (AdminAction, Entry, Balance, error)
	GetBalance(ctx context.Context, identity string) (Balance, error)
	ListEntries(ctx context.Context, identity string, from, to time.Time) ([]Entry, error)
}

type CreditRequest struct {
	Amount         int64  `json:"amount"`
	ExternalRef    string `json:"external_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

type DebitRequest struct {
	Amount         int64  `json:"amount"`
	ExternalRef    string `json:"external_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`

	// AllowNegative lets the debit take the balance below zero.
	AllowNegative bool `json:"-"`
}

type AdminGrantRequest struct {
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

var (
	ErrNotFound          = errors.New("wallet: not found")
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrInvalidArgument   = errors.New("wallet: invalid argument")
)

func (s *Service) GetBalance(ctx context.Context, identity string) (Balance, error) {
	if identity == "" {
		return Balance{}, ErrInvalidArgument
	}
	return s.repo.GetBalance(ctx, identity)
}

func (s *Service) Credit(ctx context.Context, identity string, req CreditRequest) (Entry, Balance, error) {
	if err := validateMoneyReq(identity, req.Amount, req.IdempotencyKey); err != nil {
		return Entry{}, Balance{}, err
	}
	e := s.entry(identity, EntryTypeCredit, req.Amount, req.ExternalRef, req.IdempotencyKey, req.Metadata)
	return s.repo.Post(ctx, e, false)
}

func (s *Service) Debit(ctx context.Context, identity string, req DebitRequest) (Entry, Balance, error) {
	if err := validateMoneyReq(identity, req.Amount, req.IdempotencyKey); err != nil {
		return Entry{}, Balance{}, err
	}
	e := s.entry(identity, EntryTypeDebit, -req.Amount, req.ExternalRef, req.IdempotencyKey, req.Metadata)
	return s.repo.Post(ctx, e, req.AllowNegative)
}

// AdminGrant credits identity and records which admin did it.
func (s *Service) AdminGrant(ctx context.Context, identity, adminUserID, adminRole string, req AdminGrantRequest) (AdminAction, Entry, Balance, error) {
	if adminUserID == "" || adminRole == "" || req.Reason == "" {
		return AdminAction{}, Entry{}, Balance{}, ErrInvalidArgument
	}
	if err := validateMoneyReq(identity, req.Amount, req.IdempotencyKey); err != nil {
		return AdminAction{}, Entry{}, Balance{}, err
	}

	e := s.entry(identity, EntryTypeCredit, req.Amount, "admin_grant", req.IdempotencyKey, "")
	a := AdminAction{
		ID:             uuid.NewString(),
		Identity:       identity,
		AdminUserID:    adminUserID,
		AdminRole:      adminRole,
		Reason:         req.Reason,
		Amount:         req.Amount,
		RelatedEntryID: e.ID,
		CreatedAt:      e.CreatedAt,
	}
	return s.repo.PostAdminGrant(ctx, e, a)
}

// ListEntries returns identity's entries created in [from, to), oldest first.
// Zero bounds are open.
func (s *Service) ListEntries(ctx context.Context, identity string, from, to time.Time) ([]Entry, error) {
	if identity == "" {
		return nil, ErrInvalidArgument
	}
	return s.repo.ListEntries(ctx, identity, from, to)
}

func (s *Service) entry(identity string, typ EntryType, amount int64, ref, key, metadata string) Entry {
	return Entry{
		ID:             uuid.NewString(),
		Identity:       identity,
		Type:           typ,
		Amount:         amount,
		ExternalRef:    ref,
		IdempotencyKey: key,
		Metadata:       metadata,
		CreatedAt:      s.clock().UTC(),
	}
}

func validateMoneyReq(identity string, amount int64, idempotencyKey string) error {
	if identity == "" {
		return ErrInvalidArgument
	}
	if idempotencyKey == "" {
		return ErrInvalidArgument
	}
	if amount <= 0 {
		return ErrInvalidArgument
	}
	return nil
}
