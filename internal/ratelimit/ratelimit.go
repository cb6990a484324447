// Package ratelimit implements fixed-window admission limits with a
// process-local first tier in front of a shared counter store.
package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	numShards = 16
	// counters outlive their window slightly so clock skew between
	// processes cannot reset a window early
	expirySkew = time.Second
	// how often a shard drops finished windows while recording new ones
	pruneEvery = time.Second
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the time left until the window resets, rounded up to a second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	left := d.ResetAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return (left + time.Second - 1) / time.Second * time.Second
}

type shard struct {
	mu sync.Mutex
	// window key -> window end, for windows known to be exhausted
	exhausted map[string]time.Time
	nextPrune time.Time
}

// record remembers an exhausted window and drops finished ones at most
// once per pruneEvery. Callers hold sh.mu.
func (sh *shard) record(key string, end, now time.Time) int {
	sh.exhausted[key] = end
	if now.Before(sh.nextPrune) {
		return 0
	}
	sh.nextPrune = now.Add(pruneEvery)
	return sh.prune(now)
}

// prune deletes finished windows. Callers hold sh.mu.
func (sh *shard) prune(now time.Time) int {
	n := 0
	for k, end := range sh.exhausted {
		if !now.Before(end) {
			delete(sh.exhausted, k)
			n++
		}
	}
	return n
}

// Limiter answers repeat requests inside an exhausted window from memory.
// That view is stale by at most one window; the counter store stays
// authoritative for everything else.
type Limiter struct {
	store  CounterStore
	log    *zap.Logger
	now    func() time.Time
	shards [numShards]*shard
}

func New(store CounterStore, log *zap.Logger) *Limiter {
	l := &Limiter{store: store, log: log.Named("ratelimit"), now: time.Now}
	for i := range l.shards {
		l.shards[i] = &shard{exhausted: make(map[string]time.Time)}
	}
	return l
}

func windowKey(identity string, window time.Duration, now time.Time) (string, time.Time) {
	idx := now.UnixNano() / int64(window)
	reset := time.Unix(0, (idx+1)*int64(window))
	return "rate_limit:" + identity + ":" + strconv.FormatInt(idx, 10), reset
}

func (l *Limiter) shardFor(key string) *shard {
	return l.shards[xxhash.Sum64String(key)%numShards]
}

// Allow counts one request of identity against max per window. Store
// failures and a non-positive window fail open.
func (l *Limiter) Allow(ctx context.Context, identity string, window time.Duration, max int) Decision {
	now := l.now()
	if window <= 0 {
		l.log.Warn("rate limit window is not positive, allowing request",
			zap.String("identity", identity), zap.Duration("window", window))
		return Decision{Allowed: true, Limit: max, Remaining: max, ResetAt: now}
	}
	key, reset := windowKey(identity, window, now)
	d := Decision{Limit: max, ResetAt: reset}

	sh := l.shardFor(key)
	sh.mu.Lock()
	end, known := sh.exhausted[key]
	sh.mu.Unlock()
	if known && now.Before(end) {
		return d
	}

	n, err := l.store.Incr(ctx, key, window+expirySkew)
	if err != nil {
		l.log.Warn("rate limit store unavailable, allowing request",
			zap.String("identity", identity), zap.Error(err))
		d.Allowed = true
		d.Remaining = max
		return d
	}

	if n > int64(max) {
		sh.mu.Lock()
		sh.record(key, reset, now)
		sh.mu.Unlock()
		return d
	}
	d.Allowed = true
	d.Remaining = max - int(n)
	return d
}

// Sweep forgets finished windows and expired store counters.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	now := l.now()
	n := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		n += sh.prune(now)
		sh.mu.Unlock()
	}
	m, err := l.store.Sweep(ctx)
	return n + m, err
}

const (
	Analysis = "analysis"
	General  = "general"
)

// Rule is a named limit applied per identity.
type Rule struct {
	Name   string
	Window time.Duration
	Max    int
}

func (r Rule) Validate() error {
	if r.Window <= 0 {
		return errors.Errorf("ratelimit %s: window must be positive, got %s", r.Name, r.Window)
	}
	if r.Max < 0 {
		return errors.Errorf("ratelimit %s: max must not be negative, got %d", r.Name, r.Max)
	}
	return nil
}

// Named binds a Rule to a Limiter.
type Named struct {
	l    *Limiter
	rule Rule
}

func (l *Limiter) For(rule Rule) *Named {
	return &Named{l: l, rule: rule}
}

func (n *Named) Rule() Rule { return n.rule }

func (n *Named) Allow(ctx context.Context, identity string) Decision {
	return n.l.Allow(ctx, n.rule.Name+":"+identity, n.rule.Window, n.rule.Max)
}
