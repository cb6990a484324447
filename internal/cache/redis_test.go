package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
)

func TestRedis_RoundTripAndInvalidate(t *testing.T) {
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

	c := NewRedis(rdb, "textlens:test:"+uuid.NewString()+":")
	if err := c.Set(ctx, "u1", ResultName("fp"), []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(ctx, "u1", StatsName, []byte("s"), 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	v, ok, err := c.Get(ctx, "u1", ResultName("fp"))
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("get: %q %v %v", v, ok, err)
	}

	time.Sleep(100 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "u1", StatsName); ok {
		t.Fatal("expected expiry")
	}
	n, err := c.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: %d %v", n, err)
	}

	if err := c.InvalidateOwner(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, "u1", ResultName("fp")); ok {
		t.Fatal("entry survived invalidation")
	}
}
