package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu    sync.Mutex
	calls map[string]Call
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: map[string]Call{}}
}

func (s *MemoryStore) Create(ctx context.Context, c Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[c.ID]; ok {
		return ErrConflict
	}
	if !c.Status.Terminal() && s.engagedLocked(c.CalleeID) {
		return ErrConflict
	}
	s.calls[c.ID] = c
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) Transition(ctx context.Context, next Call, from Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.calls[next.ID]
	if !ok {
		return false, ErrNotFound
	}
	if cur.Status != from {
		return false, nil
	}
	s.calls[next.ID] = next
	return true, nil
}

func (s *MemoryStore) CalleeEngaged(ctx context.Context, identity string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engagedLocked(identity), nil
}

func (s *MemoryStore) engagedLocked(identity string) bool {
	for _, c := range s.calls {
		if c.CalleeID == identity && !c.Status.Terminal() {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ListByParticipant(ctx context.Context, identity string, limit int) ([]Call, error) {
	out := s.filter(func(c Call) bool { return c.Participant(identity) })
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListBetween(ctx context.Context, identity string, from, to time.Time) ([]Call, error) {
	out := s.filter(func(c Call) bool {
		if !c.Participant(identity) {
			return false
		}
		if !from.IsZero() && c.CreatedAt.Before(from) {
			return false
		}
		if !to.IsZero() && !c.CreatedAt.Before(to) {
			return false
		}
		return true
	})
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) filter(keep func(Call) bool) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func sortNewestFirst(cs []Call) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.After(cs[j].CreatedAt)
		}
		return cs[i].ID > cs[j].ID
	})
}
