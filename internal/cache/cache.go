// Package cache is an advisory, owner-scoped result cache. Callers never
// see backend errors: a failed read is a miss and a failed write is dropped.
package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// SystemOwner scopes entries that belong to no user, such as queue stats.
const SystemOwner = ""

const (
	StatsName      = "stats"
	QueueStatsName = "queue_stats"
)

// Aggregates is the scope of an owner's derived views (stats, list pages).
// Results live under the owner scope and are not affected when the
// aggregate scope is invalidated.
func Aggregates(owner string) string { return "agg:" + owner }

func ResultName(fingerprint string) string { return "result:" + fingerprint }

func ListName(page, limit int) string {
	return "list:" + strconv.Itoa(page) + ":" + strconv.Itoa(limit)
}

// Backend stores byte values under (owner, name) with a TTL.
type Backend interface {
	Get(ctx context.Context, owner, name string) ([]byte, bool, error)
	Set(ctx context.Context, owner, name string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, owner string, names ...string) error
	// InvalidateOwner drops every entry of owner.
	InvalidateOwner(ctx context.Context, owner string) error
	// Sweep removes expired entries and returns how many were dropped.
	Sweep(ctx context.Context) (int, error)
}

type Cache struct {
	b   Backend
	log *zap.Logger
}

func New(b Backend, log *zap.Logger) *Cache {
	return &Cache{b: b, log: log.Named("cache")}
}

func (c *Cache) Get(ctx context.Context, owner, name string) ([]byte, bool) {
	v, ok, err := c.b.Get(ctx, owner, name)
	if err != nil {
		c.log.Warn("cache get failed", zap.String("owner", owner), zap.String("name", name), zap.Error(err))
		return nil, false
	}
	return v, ok
}

func (c *Cache) Set(ctx context.Context, owner, name string, val []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := c.b.Set(ctx, owner, name, val, ttl); err != nil {
		c.log.Warn("cache set failed", zap.String("owner", owner), zap.String("name", name), zap.Error(err))
	}
}

func (c *Cache) Delete(ctx context.Context, owner string, names ...string) {
	if err := c.b.Delete(ctx, owner, names...); err != nil {
		c.log.Warn("cache delete failed", zap.String("owner", owner), zap.Strings("names", names), zap.Error(err))
	}
}

func (c *Cache) InvalidateOwner(ctx context.Context, owner string) {
	if err := c.b.InvalidateOwner(ctx, owner); err != nil {
		c.log.Warn("cache invalidate failed", zap.String("owner", owner), zap.Error(err))
	}
}

// GetJSON decodes a cached value into v. Undecodable entries count as misses.
func (c *Cache) GetJSON(ctx context.Context, owner, name string, v interface{}) bool {
	raw, ok := c.Get(ctx, owner, name)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		c.log.Warn("cache entry undecodable", zap.String("owner", owner), zap.String("name", name), zap.Error(err))
		return false
	}
	return true
}

func (c *Cache) SetJSON(ctx context.Context, owner, name string, v interface{}, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("cache value unencodable", zap.String("name", name), zap.Error(err))
		return
	}
	c.Set(ctx, owner, name, raw, ttl)
}

// Sweep is the only call that reports backend errors, for the cleanup sweeper.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	return c.b.Sweep(ctx)
}
