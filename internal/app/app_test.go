package app

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/textlens/internal/cache"
	"github.com/SirClappington/textlens/internal/config"
	"github.com/SirClappington/textlens/internal/queue"
	"github.com/SirClappington/textlens/internal/ratelimit"
)

func testConfig(t *testing.T) config.Config {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/textlens")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("JOB_BACKOFF", "fixed")
	t.Setenv("JOB_BACKOFF_DELAY", "3s")
	t.Setenv("ADMISSION_TEXT_INLINE_MAX_BYTES", "200")
	cfg, err := config.Parse()
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestAdmissionOptions(t *testing.T) {
	opts := AdmissionOptions(testConfig(t))
	if opts.Text.InlineMax != 200 || opts.Text.MaxBytes != 100000 {
		t.Fatalf("text limits = %+v", opts.Text)
	}
	if opts.Document.InlineMax != 0 || opts.Document.MaxBytes != 3<<20 {
		t.Fatalf("document limits = %+v", opts.Document)
	}
	if opts.Job.Backoff.Type != queue.BackoffFixed || opts.Job.Backoff.Delay != 3*time.Second {
		t.Fatalf("backoff = %+v", opts.Job.Backoff)
	}
	if opts.Job.MaxAttempts != 3 || opts.Job.Timeout != 30*time.Second {
		t.Fatalf("job = %+v", opts.Job)
	}
	if opts.ResultTTL != time.Hour || opts.QueueStatsTTL != 30*time.Second {
		t.Fatalf("ttls = %+v", opts)
	}
}

func TestWorkerOptions(t *testing.T) {
	opts := WorkerOptions(testConfig(t))
	if opts.Concurrency != 3 || opts.PollInterval != 500*time.Millisecond || opts.ResultTTL != time.Hour {
		t.Fatalf("worker = %+v", opts)
	}
}

func TestMaxBody_CoversBase64Document(t *testing.T) {
	a := &App{Config: testConfig(t)}
	encoded := int64((3<<20 + 2) / 3 * 4)
	if a.MaxBody() <= encoded {
		t.Fatalf("max body %d does not fit a %d byte encoded document", a.MaxBody(), encoded)
	}
}

func TestLimits_RejectsZeroWindow(t *testing.T) {
	t.Setenv("RATE_LIMIT_ANALYSIS_WINDOW", "0s")
	a := &App{Config: testConfig(t), Limiter: ratelimit.New(ratelimit.NewMemoryStore(), zaptest.NewLogger(t))}
	if _, err := a.Limits(); err == nil {
		t.Fatal("expected zero window to be rejected")
	}
}

func TestLimits(t *testing.T) {
	a := &App{Config: testConfig(t), Limiter: ratelimit.New(ratelimit.NewMemoryStore(), zaptest.NewLogger(t))}
	l, err := a.Limits()
	if err != nil {
		t.Fatal(err)
	}
	if r := l.Analysis.Rule(); r.Max != 10 || r.Window != time.Minute {
		t.Fatalf("analysis rule = %+v", r)
	}
	if r := l.General.Rule(); r.Max != 100 {
		t.Fatalf("general rule = %+v", r)
	}
}

func TestLocalSweeper_PrunesLimiter(t *testing.T) {
	a := &App{
		Config:  testConfig(t),
		Log:     zaptest.NewLogger(t),
		Cache:   cache.New(cache.NewMemory(10), zaptest.NewLogger(t)),
		Limiter: ratelimit.New(ratelimit.NewMemoryStore(), zaptest.NewLogger(t)),
	}
	sw, err := a.LocalSweeper()
	if err != nil {
		t.Fatal(err)
	}
	counts, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := counts["rate_limit"]; !ok {
		t.Fatalf("rate_limit not swept: %v", counts)
	}
	if _, ok := counts["queue"]; ok {
		t.Fatal("local sweeper must not purge the shared queue")
	}
}
