// Package worker runs queued jobs through the handler registry with
// bounded concurrency and keeps JobRecords in step with queue outcomes.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/SirClappington/textlens/internal/cache"
	"github.com/SirClappington/textlens/internal/domain"
	"github.com/SirClappington/textlens/internal/handler"
	"github.com/SirClappington/textlens/internal/queue"
	"github.com/SirClappington/textlens/internal/storage"
)

type Options struct {
	Concurrency     int
	PollInterval    time.Duration
	StalledInterval time.Duration
	// LeaseRate caps leases per second across the pool; zero disables it.
	LeaseRate  float64
	LeaseBurst int
	ResultTTL  time.Duration
	// EventBuffer sizes the Events channel.
	EventBuffer int
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = 5 * time.Second
	}
	if o.LeaseBurst <= 0 {
		o.LeaseBurst = 1
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	return o
}

// Pool runs exactly Concurrency lease loops plus one stalled-lease supervisor.
type Pool struct {
	q        queue.Queue
	store    storage.Store
	handlers *handler.Registry
	cache    *cache.Cache
	log      *zap.Logger
	opts     Options
	limiter  *rate.Limiter
	events   chan Event
	active   atomic.Int64
}

func NewPool(q queue.Queue, store storage.Store, handlers *handler.Registry, c *cache.Cache, log *zap.Logger, opts Options) *Pool {
	opts = opts.withDefaults()
	p := &Pool{
		q:        q,
		store:    store,
		handlers: handlers,
		cache:    c,
		log:      log.Named("worker"),
		opts:     opts,
		events:   make(chan Event, opts.EventBuffer),
	}
	if opts.LeaseRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.LeaseRate), opts.LeaseBurst)
	}
	return p
}

// Events delivers job outcomes. Events are dropped when nobody keeps up.
func (p *Pool) Events() <-chan Event { return p.events }

// Active is the number of jobs currently being processed.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Run blocks until ctx is cancelled. In-flight jobs are released back to
// the queue on the way out.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool starting", zap.Int("concurrency", p.opts.Concurrency))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		n := i
		g.Go(func() error { return p.loop(gctx, n) })
	}
	g.Go(func() error { return p.supervise(gctx) })

	err := g.Wait()
	p.log.Info("worker pool stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p *Pool) loop(ctx context.Context, n int) error {
	log := p.log.With(zap.Int("loop", n))
	for {
		if ctx.Err() != nil {
			return nil
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		l, err := p.q.Lease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("lease failed", zap.Error(err))
			sleep(ctx, p.opts.PollInterval)
			continue
		}
		if l == nil {
			sleep(ctx, p.opts.PollInterval)
			continue
		}

		p.active.Add(1)
		p.process(ctx, l)
		p.active.Add(-1)
	}
}

// settle is used for queue and store calls that must finish even while
// the pool is shutting down.
func settle(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

func gone(err error) bool {
	return errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidTransition)
}

func (p *Pool) process(ctx context.Context, l *queue.Leased) {
	log := p.log.With(
		zap.String("job_id", l.ID),
		zap.String("record_id", l.EntityID),
		zap.Int("attempt", l.Attempts),
	)

	rec, err := p.store.MarkProcessing(ctx, l.EntityID)
	switch {
	case gone(err):
		// deleted, or a redelivery of a record that already finished
		log.Info("record missing or terminal, discarding job", zap.Error(err))
		p.ack(ctx, l, log)
		p.emit(Event{Type: Discarded, JobID: l.ID, RecordID: l.EntityID, OwnerID: l.OwnerID, Attempt: l.Attempts})
		return
	case err != nil:
		log.Warn("mark processing failed, releasing job", zap.Error(err))
		p.release(ctx, l, log)
		return
	}

	progress := func(pct int) {
		if err := p.q.Progress(ctx, l.ID, pct); err != nil {
			log.Debug("progress update failed", zap.Int("progress", pct), zap.Error(err))
		}
	}

	start := time.Now()
	res, err := p.handlers.Invoke(ctx, l.Kind, l.Payload, l.Options.Timeout, progress)
	took := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			log.Info("shutting down, releasing job")
			p.release(ctx, l, log)
			return
		}
		p.fail(ctx, l, rec, err, took, log)
		return
	}

	sctx, cancel := settle(ctx)
	defer cancel()
	if err := p.store.Complete(sctx, rec.ID, res, took); err != nil {
		if gone(err) {
			log.Info("record gone before completion, discarding result", zap.Error(err))
			p.ack(sctx, l, log)
			p.emit(Event{Type: Discarded, JobID: l.ID, RecordID: rec.ID, OwnerID: rec.OwnerID, Attempt: l.Attempts})
			return
		}
		p.fail(sctx, l, rec, domain.Infrastructure(err, "complete record"), took, log)
		return
	}
	progress(100)

	p.cache.Set(sctx, rec.OwnerID, cache.ResultName(rec.Fingerprint), res, p.opts.ResultTTL)
	p.cache.InvalidateOwner(sctx, cache.Aggregates(rec.OwnerID))
	p.ack(sctx, l, log)

	log.Info("job completed", zap.Duration("took", took))
	p.emit(Event{Type: Completed, JobID: l.ID, RecordID: rec.ID, OwnerID: rec.OwnerID, Attempt: l.Attempts, Result: res})
}

// fail records a failed attempt. The record only becomes FAILED once the
// queue gives up on the job.
func (p *Pool) fail(ctx context.Context, l *queue.Leased, rec *domain.JobRecord, cause error, took time.Duration, log *zap.Logger) {
	sctx, cancel := settle(ctx)
	defer cancel()

	res, err := p.q.Nack(sctx, l.ID, l.Token, cause)
	if err != nil {
		log.Warn("nack failed", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	if res.Retry {
		log.Warn("job attempt failed, retrying", zap.Error(cause), zap.Time("retry_at", res.RetryAt))
		p.emit(Event{Type: Retrying, JobID: l.ID, RecordID: rec.ID, OwnerID: rec.OwnerID, Attempt: l.Attempts, Err: cause.Error()})
		return
	}

	log.Error("job failed", zap.Error(cause))
	p.failRecord(sctx, rec.ID, rec.OwnerID, cause.Error(), took, log)
	p.emit(Event{Type: Failed, JobID: l.ID, RecordID: rec.ID, OwnerID: rec.OwnerID, Attempt: l.Attempts, Err: cause.Error()})
}

func (p *Pool) failRecord(ctx context.Context, id, owner, msg string, took time.Duration, log *zap.Logger) {
	if err := p.store.Fail(ctx, id, msg, took); err != nil && !gone(err) {
		log.Error("mark record failed", zap.Error(err))
		return
	}
	p.cache.InvalidateOwner(ctx, cache.Aggregates(owner))
}

func (p *Pool) ack(ctx context.Context, l *queue.Leased, log *zap.Logger) {
	sctx, cancel := settle(ctx)
	defer cancel()
	if err := p.q.Ack(sctx, l.ID, l.Token); err != nil {
		log.Warn("ack failed", zap.Error(err))
	}
}

func (p *Pool) release(ctx context.Context, l *queue.Leased, log *zap.Logger) {
	sctx, cancel := settle(ctx)
	defer cancel()
	if err := p.q.Release(sctx, l.ID, l.Token); err != nil {
		log.Warn("release failed", zap.Error(err))
	}
}

// supervise recovers expired leases and fails the records of jobs that
// stalled too often.
func (p *Pool) supervise(ctx context.Context) error {
	t := time.NewTicker(p.opts.StalledInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.recoverStalled(ctx)
		}
	}
}

func (p *Pool) recoverStalled(ctx context.Context) {
	rep, err := p.q.RecoverStalled(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("stalled recovery failed", zap.Error(err))
		}
		return
	}
	for _, id := range rep.Requeued {
		p.log.Warn("stalled job requeued", zap.String("job_id", id))
		p.emit(Event{Type: Stalled, JobID: id})
	}
	for _, j := range rep.Dead {
		log := p.log.With(zap.String("job_id", j.ID), zap.String("record_id", j.EntityID))
		log.Error("job stalled too often", zap.Int("stalled", j.StalledCount))
		p.failRecord(ctx, j.EntityID, j.OwnerID, j.LastError, 0, log)
		p.emit(Event{Type: Failed, JobID: j.ID, RecordID: j.EntityID, OwnerID: j.OwnerID, Attempt: j.Attempts, Err: j.LastError})
	}
}

func (p *Pool) emit(e Event) {
	e.At = time.Now()
	select {
	case p.events <- e:
	default:
		p.log.Debug("event dropped", zap.String("type", string(e.Type)), zap.String("job_id", e.JobID))
	}
}
