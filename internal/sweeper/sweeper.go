// Package sweeper purges expired state on a cron schedule, and early when
// enough jobs have finished since the last sweep.
package sweeper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/textlens/internal/queue"
	"github.com/SirClappington/textlens/internal/worker"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Target is one kind of expired state. Sweep returns how many items it removed.
type Target struct {
	Name  string
	Sweep func(ctx context.Context) (int, error)
}

// Queue purges terminal queue entries finished more than retention ago.
// Leased jobs are never purged.
func Queue(q queue.Queue, retention time.Duration) Target {
	return Target{
		Name: "queue",
		Sweep: func(ctx context.Context) (int, error) {
			return q.Purge(ctx, time.Now().Add(-retention))
		},
	}
}

type Sweeper struct {
	log          *zap.Logger
	schedule     cron.Schedule
	spec         string
	triggerAfter int64
	targets      []Target

	mu       sync.Mutex
	finished atomic.Int64
	trigger  chan struct{}
}

// New builds a Sweeper. An empty schedule disables periodic sweeps, leaving
// only the early trigger.
func New(log *zap.Logger, schedule string, triggerAfter int, targets ...Target) (*Sweeper, error) {
	var sched cron.Schedule
	if schedule != "" {
		var err error
		if sched, err = parser.Parse(schedule); err != nil {
			return nil, errors.Wrapf(err, "parse sweep schedule %q", schedule)
		}
	}
	return &Sweeper{
		log:          log.Named("sweeper"),
		schedule:     sched,
		spec:         schedule,
		triggerAfter: int64(triggerAfter),
		targets:      targets,
		trigger:      make(chan struct{}, 1),
	}, nil
}

// Notify counts one finished job and requests an early sweep once
// triggerAfter jobs have finished. A zero triggerAfter disables it.
func (s *Sweeper) Notify() {
	if s.triggerAfter <= 0 {
		return
	}
	if s.finished.Add(1) < s.triggerAfter {
		return
	}
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Watch feeds terminal worker events into Notify until ctx ends or the
// channel closes.
func (s *Sweeper) Watch(ctx context.Context, events <-chan worker.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type.Terminal() {
				s.Notify()
			}
		}
	}
}

// Run sweeps on schedule and on early triggers until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(parser), cron.WithLogger(cronLogger{s.log}))
	if s.schedule != nil {
		c.Schedule(s.schedule, cron.FuncJob(func() {
			if _, err := s.SweepOnce(ctx); err != nil {
				s.log.Warn("scheduled sweep incomplete", zap.Error(err))
			}
		}))
	}
	c.Start()
	s.log.Info("sweeper started", zap.String("schedule", s.spec), zap.Int64("trigger_after", s.triggerAfter))

	for {
		select {
		case <-ctx.Done():
			<-c.Stop().Done()
			return nil
		case <-s.trigger:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.log.Warn("triggered sweep incomplete", zap.Error(err))
			}
		}
	}
}

// SweepOnce runs every target, continuing past failures. The returned
// counts are keyed by target name; the error combines all failures.
func (s *Sweeper) SweepOnce(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished.Store(0)

	counts := make(map[string]int, len(s.targets))
	var errs error
	for _, t := range s.targets {
		n, err := t.Sweep(ctx)
		counts[t.Name] = n
		if err != nil {
			errs = multierr.Append(errs, errors.Wrap(err, t.Name))
			continue
		}
		if n > 0 {
			s.log.Info("swept", zap.String("target", t.Name), zap.Int("removed", n))
		}
	}
	return counts, errs
}

// cronLogger routes robfig/cron's logging into zap.
type cronLogger struct{ log *zap.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().With(zap.Error(err)).Errorw(msg, keysAndValues...)
}
