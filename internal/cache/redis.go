package cache

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

var _ Backend = (*Redis)(nil)

// Redis keeps each entry as a string with PX expiry and tracks an owner's
// names in a set so the owner can be invalidated without SCAN.
type Redis struct {
	rdb    r.UniversalClient
	prefix string
}

func NewRedis(rdb r.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "textlens:cache:"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (c *Redis) entryKey(owner, name string) string { return c.prefix + "e:" + owner + ":" + name }
func (c *Redis) ownerKey(owner string) string       { return c.prefix + "o:" + owner }

func (c *Redis) Get(ctx context.Context, owner, name string) ([]byte, bool, error) {
	v, err := c.rdb.Get(ctx, c.entryKey(owner, name)).Bytes()
	if errors.Is(err, r.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "cache: get")
	}
	return v, true, nil
}

func (c *Redis) Set(ctx context.Context, owner, name string, val []byte, ttl time.Duration) error {
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, c.entryKey(owner, name), val, ttl)
	pipe.SAdd(ctx, c.ownerKey(owner), name)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "cache: set")
}

func (c *Redis) Delete(ctx context.Context, owner string, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	keys := make([]string, len(names))
	members := make([]interface{}, len(names))
	for i, n := range names {
		keys[i] = c.entryKey(owner, n)
		members[i] = n
	}
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.SRem(ctx, c.ownerKey(owner), members...)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "cache: delete")
}

func (c *Redis) InvalidateOwner(ctx context.Context, owner string) error {
	names, err := c.rdb.SMembers(ctx, c.ownerKey(owner)).Result()
	if err != nil {
		return errors.Wrap(err, "cache: owner index")
	}
	keys := make([]string, 0, len(names)+1)
	for _, n := range names {
		keys = append(keys, c.entryKey(owner, n))
	}
	keys = append(keys, c.ownerKey(owner))
	return errors.Wrap(c.rdb.Del(ctx, keys...).Err(), "cache: invalidate owner")
}

// Sweep prunes owner-index members whose entries Redis has already expired.
func (c *Redis) Sweep(ctx context.Context) (int, error) {
	pruned := 0
	iter := c.rdb.Scan(ctx, 0, c.prefix+"o:*", 200).Iterator()
	for iter.Next(ctx) {
		idx := iter.Val()
		owner := strings.TrimPrefix(idx, c.prefix+"o:")
		names, err := c.rdb.SMembers(ctx, idx).Result()
		if err != nil {
			return pruned, errors.Wrap(err, "cache: sweep index")
		}
		for _, n := range names {
			exists, err := c.rdb.Exists(ctx, c.entryKey(owner, n)).Result()
			if err != nil {
				return pruned, errors.Wrap(err, "cache: sweep entry")
			}
			if exists == 0 {
				c.rdb.SRem(ctx, idx, n)
				pruned++
			}
		}
	}
	return pruned, errors.Wrap(iter.Err(), "cache: sweep scan")
}
