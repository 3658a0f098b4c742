package calls

import (
	"context"
	"sync"
	"time"

	"consult-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// SlotLimiter caps how many non-terminal calls one caller may hold at once.
// A limit of zero or less means no cap.
type SlotLimiter interface {
	Acquire(ctx context.Context, identity string) (bool, error)
	Release(ctx context.Context, identity string) error
}

func slotKey(identity string) string {
	return "calls:active:" + identity
}

// RedisSlots shares the cap across API instances. Slots expire after ttl so a
// crashed process cannot leak them forever.
type RedisSlots struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
}

func NewRedisSlots(rdb *redis.Client, limit int, ttl time.Duration) *RedisSlots {
	return &RedisSlots{rdb: rdb, limit: limit, ttl: ttl}
}

func (s *RedisSlots) Acquire(ctx context.Context, identity string) (bool, error) {
	if s.limit <= 0 {
		return true, nil
	}
	return utils.AcquireSlot(ctx, s.rdb, slotKey(identity), s.limit, s.ttl)
}

func (s *RedisSlots) Release(ctx context.Context, identity string) error {
	if s.limit <= 0 {
		return nil
	}
	return utils.ReleaseSlot(ctx, s.rdb, slotKey(identity))
}

// MemorySlots is the single-process SlotLimiter. It counts held slots even when
// uncapped.
type MemorySlots struct {
	mu    sync.Mutex
	limit int
	held  map[string]int
}

func NewMemorySlots(limit int) *MemorySlots {
	return &MemorySlots{limit: limit, held: map[string]int{}}
}

func (s *MemorySlots) Acquire(ctx context.Context, identity string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && s.held[identity] >= s.limit {
		return false, nil
	}
	s.held[identity]++
	return true, nil
}

func (s *MemorySlots) Release(ctx context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[identity] <= 1 {
		delete(s.held, identity)
		return nil
	}
	s.held[identity]--
	return nil
}

// Held is the number of slots identity currently holds.
func (s *MemorySlots) Held(identity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held[identity]
}
