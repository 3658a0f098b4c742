package wallet

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository for tests and local development.
type MemoryRepo struct {
	mu       sync.Mutex
	balances map[string]Balance
	entries  []Entry
	byKey    map[string]int
	actions  map[string]AdminAction
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		balances: map[string]Balance{},
		byKey:    map[string]int{},
		actions:  map[string]AdminAction{},
	}
}

func idemKey(identity, key string) string { return identity + "\x00" + key }

func (r *MemoryRepo) Post(_ context.Context, e Entry, allowNegative bool) (Entry, Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.postLocked(e, allowNegative)
}

func (r *MemoryRepo) postLocked(e Entry, allowNegative bool) (Entry, Balance, error) {
	b := r.balanceLocked(e.Identity)
	if i, ok := r.byKey[idemKey(e.Identity, e.IdempotencyKey)]; ok {
		return r.entries[i], b, nil
	}
	if e.Amount < 0 && !allowNegative && b.Tokens+e.Amount < 0 {
		return Entry{}, Balance{}, ErrInsufficientFunds
	}

	r.entries = append(r.entries, e)
	r.byKey[idemKey(e.Identity, e.IdempotencyKey)] = len(r.entries) - 1

	b.Tokens += e.Amount
	b.UpdatedAt = e.CreatedAt
	r.balances[e.Identity] = b
	return e, b, nil
}

func (r *MemoryRepo) PostAdminGrant(_ context.Context, e Entry, a AdminAction) (AdminAction, Entry, Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	posted, b, err := r.postLocked(e, false)
	if err != nil {
		return AdminAction{}, Entry{}, Balance{}, err
	}
	if existing, ok := r.actions[posted.ID]; ok {
		return existing, posted, b, nil
	}
	a.RelatedEntryID = posted.ID
	r.actions[posted.ID] = a
	return a, posted, b, nil
}

func (r *MemoryRepo) GetBalance(_ context.Context, identity string) (Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balanceLocked(identity), nil
}

func (r *MemoryRepo) balanceLocked(identity string) Balance {
	if b, ok := r.balances[identity]; ok {
		return b
	}
	return Balance{Identity: identity}
}

func (r *MemoryRepo) ListEntries(_ context.Context, identity string, from, to time.Time) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Entry
	for _, e := range r.entries {
		if e.Identity != identity {
			continue
		}
		if !from.IsZero() && e.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !e.CreatedAt.Before(to) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
