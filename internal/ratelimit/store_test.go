package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
)

func TestRedisStore_IncrAlwaysLeavesTTL(t *testing.T) {
	addr := os.Getenv("TEXTLENS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEXTLENS_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := r.NewClient(&r.Options{Addr: addr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	prefix := "textlens:test:" + uuid.NewString() + ":"
	s := NewRedisStore(rdb, prefix)
	for want := int64(1); want <= 3; want++ {
		n, err := s.Incr(ctx, "fresh", time.Minute)
		if err != nil || n != want {
			t.Fatalf("incr = %d, %v; want %d", n, err, want)
		}
	}
	if ttl := rdb.PTTL(ctx, prefix+"fresh").Val(); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("fresh ttl = %v", ttl)
	}

	// a counter left without expiry gets one on its next increment
	if err := rdb.Set(ctx, prefix+"orphan", 5, 0).Err(); err != nil {
		t.Fatal(err)
	}
	n, err := s.Incr(ctx, "orphan", time.Minute)
	if err != nil || n != 6 {
		t.Fatalf("incr orphan = %d, %v", n, err)
	}
	if ttl := rdb.PTTL(ctx, prefix+"orphan").Val(); ttl <= 0 {
		t.Fatalf("orphan ttl = %v", ttl)
	}
	rdb.Del(ctx, prefix+"fresh", prefix+"orphan")
}
