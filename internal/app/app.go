// Package app wires configuration into the running components shared by
// the binaries under cmd/.
package app

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/textlens/internal/admission"
	"github.com/SirClappington/textlens/internal/analysis"
	"github.com/SirClappington/textlens/internal/api"
	"github.com/SirClappington/textlens/internal/cache"
	"github.com/SirClappington/textlens/internal/config"
	"github.com/SirClappington/textlens/internal/handler"
	"github.com/SirClappington/textlens/internal/queue"
	"github.com/SirClappington/textlens/internal/ratelimit"
	"github.com/SirClappington/textlens/internal/storage"
	"github.com/SirClappington/textlens/internal/sweeper"
	"github.com/SirClappington/textlens/internal/worker"
)

const keyPrefix = "textlens:"

// ShutdownTimeout bounds graceful shutdown of every binary.
const ShutdownTimeout = 15 * time.Second

// App holds the connections and services every binary needs.
type App struct {
	Config config.Config
	Log    *zap.Logger

	DB    *pgxpool.Pool
	Redis *r.Client

	Store     storage.Store
	Queue     queue.Queue
	Cache     *cache.Cache
	Limiter   *ratelimit.Limiter
	Handlers  *handler.Registry
	Admission *admission.Service
}

// New connects to Postgres and Redis, applies migrations and builds the
// services. Callers must Close the result.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	a.DB = db
	if err := db.Ping(ctx); err != nil {
		return nil, multierr.Append(errors.Wrap(err, "ping postgres"), a.Close())
	}
	if err := storage.Migrate(db, cfg.MigrationsDir); err != nil {
		return nil, multierr.Append(err, a.Close())
	}

	a.Redis = r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		return nil, multierr.Append(errors.Wrap(err, "ping redis"), a.Close())
	}

	a.Store = storage.New(db)
	a.Queue = queue.New(a.Redis, queue.WithPrefix(keyPrefix+"q:"))

	var backend cache.Backend
	switch cfg.Cache.Backend {
	case "memory":
		backend = cache.NewMemory(cfg.Cache.MaxEntries)
	case "redis":
		backend = cache.NewRedis(a.Redis, keyPrefix+"c:")
	default:
		return nil, multierr.Append(errors.Errorf("unknown cache backend %q", cfg.Cache.Backend), a.Close())
	}
	a.Cache = cache.New(backend, log)
	a.Limiter = ratelimit.New(ratelimit.NewRedisStore(a.Redis, keyPrefix), log)

	a.Handlers = handler.NewDefault(handler.NewRegistry(log), analysis.DefaultExtractors(), analysis.BasicMetrics{})
	a.Admission = admission.New(a.Store, a.Queue, a.Handlers, a.Cache, log, AdmissionOptions(cfg))
	return a, nil
}

// QueueOptions maps the job settings onto per-job queue options.
func QueueOptions(c config.Job) queue.Options {
	return queue.Options{
		MaxAttempts: c.MaxAttempts,
		Backoff: queue.Backoff{
			Type:  queue.BackoffType(c.Backoff),
			Delay: c.BackoffDelay,
			Max:   c.BackoffMax,
		},
		LeaseDuration:   c.LeaseDuration,
		Timeout:         c.Timeout,
		MaxStalledCount: c.MaxStalledCount,
	}
}

func AdmissionOptions(cfg config.Config) admission.Options {
	return admission.Options{
		Text: admission.Limits{
			InlineMax: cfg.Admission.TextInlineMaxBytes,
			MaxBytes:  cfg.Admission.TextMaxBytes,
		},
		Document: admission.Limits{
			InlineMax: cfg.Admission.DocumentInlineMaxBytes,
			MaxBytes:  cfg.Admission.DocumentMaxBytes,
		},
		Job:           QueueOptions(cfg.Job),
		ResultTTL:     cfg.Cache.ResultTTL,
		StatsTTL:      cfg.Cache.StatsTTL,
		ListTTL:       cfg.Cache.ListTTL,
		QueueStatsTTL: cfg.Cache.QueueStatsTTL,
	}
}

func WorkerOptions(cfg config.Config) worker.Options {
	return worker.Options{
		Concurrency:     cfg.Worker.Concurrency,
		PollInterval:    cfg.Worker.PollInterval,
		StalledInterval: cfg.Worker.StalledInterval,
		LeaseRate:       cfg.Worker.LeaseRate,
		LeaseBurst:      cfg.Worker.LeaseBurst,
		ResultTTL:       cfg.Cache.ResultTTL,
	}
}

// Limits builds the per-route rate limits, rejecting unusable rules.
func (a *App) Limits() (api.Limits, error) {
	rl := a.Config.RateLimit
	analysis := ratelimit.Rule{Name: ratelimit.Analysis, Window: rl.AnalysisWindow, Max: rl.AnalysisMax}
	general := ratelimit.Rule{Name: ratelimit.General, Window: rl.GeneralWindow, Max: rl.GeneralMax}
	if err := multierr.Combine(analysis.Validate(), general.Validate()); err != nil {
		return api.Limits{}, err
	}
	return api.Limits{Analysis: a.Limiter.For(analysis), General: a.Limiter.For(general)}, nil
}

// MaxBody bounds request bodies: the largest accepted payload, with
// headroom for base64 and the JSON envelope.
func (a *App) MaxBody() int64 {
	largest := a.Config.Admission.DocumentMaxBytes
	if a.Config.Admission.TextMaxBytes > largest {
		largest = a.Config.Admission.TextMaxBytes
	}
	return int64(largest)*4/3 + 64<<10
}

func (a *App) Pool() *worker.Pool {
	return worker.NewPool(a.Queue, a.Store, a.Handlers, a.Cache, a.Log, WorkerOptions(a.Config))
}

// Sweeper builds a sweeper over the queue, cache and rate-limit state.
// schedule may be empty for a trigger-only sweeper.
func (a *App) Sweeper(schedule string) (*sweeper.Sweeper, error) {
	return sweeper.New(a.Log, schedule, a.Config.Sweep.TriggerAfter,
		sweeper.Queue(a.Queue, a.Config.Sweep.Retention),
		sweeper.Target{Name: "cache", Sweep: a.Cache.Sweep},
		sweeper.Target{Name: "rate_limit", Sweep: a.Limiter.Sweep},
	)
}

// LocalSweeper sweeps only the cache and rate-limit state on the configured
// schedule. The API process runs it for its own limiter memo and cache.
func (a *App) LocalSweeper() (*sweeper.Sweeper, error) {
	return sweeper.New(a.Log, a.Config.Sweep.Schedule, 0,
		sweeper.Target{Name: "cache", Sweep: a.Cache.Sweep},
		sweeper.Target{Name: "rate_limit", Sweep: a.Limiter.Sweep},
	)
}

// Close releases connections; safe on a partially built App.
func (a *App) Close() error {
	var err error
	if a.Redis != nil {
		err = multierr.Append(err, a.Redis.Close())
	}
	if a.DB != nil {
		a.DB.Close()
	}
	return err
}
