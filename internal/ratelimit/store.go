package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// CounterStore atomically increments a window counter. The first
// increment of a key sets its expiry.
type CounterStore interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Sweep drops expired counters and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
}

var (
	_ CounterStore = (*MemoryStore)(nil)
	_ CounterStore = (*RedisStore)(nil)
)

type counter struct {
	n         int64
	expiresAt time.Time
}

type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	counters map[string]*counter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, counters: make(map[string]*counter)}
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &counter{expiresAt: now.Add(ttl)}
		s.counters[key] = c
	}
	c.n++
	return c.n, nil
}

func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for k, c := range s.counters {
		if !now.Before(c.expiresAt) {
			delete(s.counters, k)
			n++
		}
	}
	return n, nil
}

// RedisStore shares counters across processes. Redis expires keys itself.
type RedisStore struct {
	rdb    r.UniversalClient
	prefix string
}

func NewRedisStore(rdb r.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// incrScript increments a counter and gives it a TTL whenever it has none.
var incrScript = r.NewScript(`
local n = redis.call('INCR', KEYS[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, s.rdb, []string{s.prefix + key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, errors.Wrap(err, "ratelimit: incr")
	}
	return n, nil
}

func (s *RedisStore) Sweep(context.Context) (int, error) { return 0, nil }
