package reporting

import (
	"context"
	"errors"
	"strings"
	"time"

	"consult-platform/internal/calls"
	"consult-platform/internal/wallet"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// DefaultWindow is used when a request leaves the range open.
const DefaultWindow = 30 * 24 * time.Hour

// Repository abstracts data access for reporting.
// Implementations should read immutable sources (ledger entries, call records).
type Repository interface {
	ListCalls(ctx context.Context, identity string, from, to time.Time) ([]calls.Call, error)
	ListLedger(ctx context.Context, identity string, from, to time.Time) ([]wallet.Entry, error)
}

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service { return &Service{repo: repo, clock: time.Now} }

func (s *Service) ActivitySummary(ctx context.Context, req ActivityRequest) (ActivitySummary, error) {
	if req.Identity == "" {
		return ActivitySummary{}, ErrInvalidRequest
	}
	r := req.Range
	if r.To.IsZero() {
		r.To = s.clock().UTC()
	}
	if r.From.IsZero() {
		r.From = r.To.Add(-DefaultWindow)
	}
	if !r.To.After(r.From) {
		return ActivitySummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return ActivitySummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.Identity, r.From, r.To)
	if err != nil {
		return ActivitySummary{}, err
	}
	entries, err := s.repo.ListLedger(ctx, req.Identity, r.From, r.To)
	if err != nil {
		return ActivitySummary{}, err
	}

	out := ActivitySummary{Identity: req.Identity, Range: r}
	var settled int
	for _, c := range rows {
		if c.CallerID == req.Identity {
			out.CallsPlaced++
		} else {
			out.CallsReceived++
		}
		switch c.Status {
		case calls.StatusEnded:
			out.CallsEnded++
		case calls.StatusCancelled:
			out.CallsCancelled++
		case calls.StatusPending, calls.StatusActive:
			out.CallsOpen++
		}
		if c.StartedAt != nil && c.DurationMinutes != nil {
			out.TalkMinutes += *c.DurationMinutes
			settled++
		}
	}
	if settled > 0 {
		out.AverageCallMinutes = out.TalkMinutes / float64(settled)
	}

	for _, e := range entries {
		switch {
		case e.Amount < 0:
			out.TokensSpent += -e.Amount
		case isCallCredit(e):
			out.TokensEarned += e.Amount
		default:
			out.TokensCredited += e.Amount
		}
		out.NetDelta += e.Amount
	}
	return out, nil
}

// isCallCredit matches the settlement credit key call:<id>:credit.
func isCallCredit(e wallet.Entry) bool {
	return strings.HasPrefix(e.IdempotencyKey, "call:") && strings.HasSuffix(e.IdempotencyKey, ":credit")
}
