package reporting

import (
	"context"
	"time"

	"consult-platform/internal/calls"
	"consult-platform/internal/wallet"
)

// CallSource is the read side of the call store.
type CallSource interface {
	ListBetween(ctx context.Context, identity string, from, to time.Time) ([]calls.Call, error)
}

// LedgerSource is the read side of the wallet ledger.
type LedgerSource interface {
	ListEntries(ctx context.Context, identity string, from, to time.Time) ([]wallet.Entry, error)
}

// SourceRepo reads reports straight from the call store and the ledger.
type SourceRepo struct {
	calls  CallSource
	ledger LedgerSource
}

func NewSourceRepo(c CallSource, l LedgerSource) *SourceRepo {
	return &SourceRepo{calls: c, ledger: l}
}

func (r *SourceRepo) ListCalls(ctx context.Context, identity string, from, to time.Time) ([]calls.Call, error) {
	return r.calls.ListBetween(ctx, identity, from, to)
}

func (r *SourceRepo) ListLedger(ctx context.Context, identity string, from, to time.Time) ([]wallet.Entry, error) {
	return r.ledger.ListEntries(ctx, identity, from, to)
}
