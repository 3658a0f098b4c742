package reporting

import (
	"context"
	"sync"
	"time"

	"consult-platform/internal/calls"
	"consult-platform/internal/wallet"
)

// MemoryRepo is a simple in-memory reporting repository for tests.
type MemoryRepo struct {
	mu sync.Mutex

	Calls   []calls.Call
	Entries []wallet.Entry
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) ListCalls(ctx context.Context, identity string, from, to time.Time) ([]calls.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.Call, 0)
	for _, c := range r.Calls {
		if !c.Participant(identity) || !inRange(c.CreatedAt, from, to) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *MemoryRepo) ListLedger(ctx context.Context, identity string, from, to time.Time) ([]wallet.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wallet.Entry, 0)
	for _, e := range r.Entries {
		if e.Identity != identity || !inRange(e.CreatedAt, from, to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}
