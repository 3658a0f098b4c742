package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"consult-platform/internal/rbac"
	"consult-platform/internal/wallet"
	"consult-platform/pkg/logger"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound           = errors.New("directory: not found")
	ErrEmailTaken         = errors.New("directory: email already registered")
	ErrInvalidCredentials = errors.New("directory: invalid credentials")
	ErrInvalidArgument    = errors.New("directory: invalid argument")
	ErrBusy               = errors.New("directory: identity is in a call")
)

// Repository persists profiles. Status changes used by the call lifecycle are
// compare-and-set so two concurrent initiates cannot both reserve one callee.
type Repository interface {
	Create(ctx context.Context, p Profile) error
	GetByID(ctx context.Context, id string) (Profile, error)
	GetByEmail(ctx context.Context, email string) (Profile, error)

	// CompareAndSetStatus moves id from -> to and reports whether it did.
	CompareAndSetStatus(ctx context.Context, id string, from, to Status) (bool, error)
	SetStatus(ctx context.Context, id string, status Status) error
	RecordLogin(ctx context.Context, id string, at time.Time) error

	UpdateProfile(ctx context.Context, id string, u ProfileUpdate) (Profile, error)
	ListSpecialists(ctx context.Context, limit int) ([]Profile, error)
}

// Ledger grants the signup bonus.
type Ledger interface {
	Credit(ctx context.Context, identity string, req wallet.CreditRequest) (wallet.Entry, wallet.Balance, error)
}

type Service struct {
	repo   Repository
	ledger Ledger
	log    *slog.Logger

	signupBonus int64
	bcryptCost  int
	clock       func() time.Time
}

type Options struct {
	SignupBonusTokens int64
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

func NewService(repo Repository, ledger Ledger, opts Options, log *slog.Logger) *Service {
	cost := opts.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{
		repo:        repo,
		ledger:      ledger,
		log:         logger.OrDiscard(log),
		signupBonus: opts.SignupBonusTokens,
		bcryptCost:  cost,
		clock:       time.Now,
	}
}

// Register creates an offline member identity and grants the signup bonus.
func (s *Service) Register(ctx context.Context, name, email, password string) (Profile, error) {
	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if name == "" || password == "" {
		return Profile{}, fmt.Errorf("%w: name and password are required", ErrInvalidArgument)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return Profile{}, fmt.Errorf("%w: invalid email", ErrInvalidArgument)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	p := Profile{
		ID:             uuid.NewString(),
		Name:           name,
		Email:          email,
		PasswordHash:   string(hash),
		Role:           rbac.RoleMember,
		Status:         StatusOffline,
		PricePerMinute: DefaultPricePerMin,
		CreatedAt:      s.clock().UTC(),
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return Profile{}, err
	}

	if s.ledger != nil && s.signupBonus > 0 {
		_, _, err := s.ledger.Credit(ctx, p.ID, wallet.CreditRequest{
			Amount:         s.signupBonus,
			ExternalRef:    "signup",
			IdempotencyKey: "signup:" + p.ID,
		})
		if err != nil {
			// Profile exists; the bonus can be granted by an admin.
			s.log.Error("signup bonus failed", "identity", p.ID, "error", err)
		}
	}
	return p, nil
}

// Authenticate checks credentials and marks the identity online.
func (s *Service) Authenticate(ctx context.Context, email, password string) (Profile, error) {
	p, err := s.repo.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Profile{}, ErrInvalidCredentials
		}
		return Profile{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)) != nil {
		return Profile{}, ErrInvalidCredentials
	}

	now := s.clock().UTC()
	if err := s.repo.RecordLogin(ctx, p.ID, now); err != nil {
		return Profile{}, err
	}
	p.LastLoginAt = &now
	if p.Status != StatusBusy {
		p.Status = StatusOnline
	}
	return p, nil
}

func (s *Service) Lookup(ctx context.Context, identity string) (Profile, error) {
	if identity == "" {
		return Profile{}, ErrNotFound
	}
	return s.repo.GetByID(ctx, identity)
}

// SetStatus is the manual presence toggle. Busy is owned by the call lifecycle:
// it cannot be set by hand, and a busy identity can only go offline.
func (s *Service) SetStatus(ctx context.Context, identity string, status Status) (Profile, error) {
	if status != StatusOnline && status != StatusOffline {
		return Profile{}, fmt.Errorf("%w: status must be online or offline", ErrInvalidArgument)
	}
	p, err := s.repo.GetByID(ctx, identity)
	if err != nil {
		return Profile{}, err
	}
	if status == StatusOnline && p.Status == StatusBusy {
		return Profile{}, ErrBusy
	}
	if status == StatusOnline {
		ok, err := s.repo.CompareAndSetStatus(ctx, identity, p.Status, StatusOnline)
		if err != nil {
			return Profile{}, err
		}
		if !ok {
			return Profile{}, ErrBusy
		}
	} else if err := s.repo.SetStatus(ctx, identity, status); err != nil {
		return Profile{}, err
	}
	p.Status = status
	return p, nil
}

// ReserveForCall moves the callee online -> busy. false means it was not online.
func (s *Service) ReserveForCall(ctx context.Context, identity string) (bool, error) {
	return s.repo.CompareAndSetStatus(ctx, identity, StatusOnline, StatusBusy)
}

// ReleaseFromCall moves the callee busy -> online. An identity that went offline
// during the call stays offline.
func (s *Service) ReleaseFromCall(ctx context.Context, identity string) error {
	_, err := s.repo.CompareAndSetStatus(ctx, identity, StatusBusy, StatusOnline)
	return err
}

// MarkOffline is called when an identity's signaling connection closes.
func (s *Service) MarkOffline(ctx context.Context, identity string) error {
	err := s.repo.SetStatus(ctx, identity, StatusOffline)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *Service) UpdateProfile(ctx context.Context, identity string, u ProfileUpdate) (Profile, error) {
	if u.Name != nil {
		n := strings.TrimSpace(*u.Name)
		if n == "" {
			return Profile{}, fmt.Errorf("%w: name must not be empty", ErrInvalidArgument)
		}
		u.Name = &n
	}
	if u.Category != nil && !validCategory(*u.Category) {
		return Profile{}, fmt.Errorf("%w: category must be %q or %q", ErrInvalidArgument, CategoryMedico, CategoryPsicologo)
	}
	if u.PricePerMinute != nil {
		p := *u.PricePerMinute
		if p < MinPricePerMinute || p > MaxPricePerMinute {
			return Profile{}, fmt.Errorf("%w: price per minute must be between %v and %v", ErrInvalidArgument, MinPricePerMinute, MaxPricePerMinute)
		}
	}
	if u.SpecialistMode != nil && *u.SpecialistMode && u.Category == nil {
		cur, err := s.repo.GetByID(ctx, identity)
		if err != nil {
			return Profile{}, err
		}
		if cur.Category == "" {
			c := DefaultCategory
			u.Category = &c
		}
	}
	return s.repo.UpdateProfile(ctx, identity, u)
}

// ListSpecialists returns specialists that are online or busy, at most 100.
func (s *Service) ListSpecialists(ctx context.Context) ([]Profile, error) {
	return s.repo.ListSpecialists(ctx, 100)
}

func validCategory(c string) bool {
	return c == CategoryMedico || c == CategoryPsicologo
}

func normalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}
