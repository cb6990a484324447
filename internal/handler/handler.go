// Package handler dispatches decoded payloads to per-kind handlers under
// a hard timeout.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/textlens/internal/domain"
)

// ProgressFunc reports advisory completion in percent.
type ProgressFunc func(pct int)

func noProgress(int) {}

type Handler interface {
	Handle(ctx context.Context, p domain.Payload, progress ProgressFunc) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, p domain.Payload, progress ProgressFunc) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, p domain.Payload, progress ProgressFunc) (json.RawMessage, error) {
	return f(ctx, p, progress)
}

// Registry maps payload kinds to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.Kind]Handler
	log      *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{handlers: make(map[domain.Kind]Handler), log: log.Named("handler")}
}

func (r *Registry) Register(kind domain.Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

func (r *Registry) Get(kind domain.Kind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Invoke decodes raw and runs the kind's handler with Run.
func (r *Registry) Invoke(ctx context.Context, kind domain.Kind, raw json.RawMessage, timeout time.Duration, progress ProgressFunc) (json.RawMessage, error) {
	p, err := domain.DecodePayload(kind, raw)
	if err != nil {
		return nil, domain.Mark(domain.ErrHandler, err, "decode payload")
	}
	return r.Run(ctx, p, timeout, progress)
}

// Run calls the handler for p in its own goroutine and stops waiting once
// timeout elapses, so a handler that ignores ctx cannot hold the caller.
// Failures match domain.ErrTimeout or domain.ErrHandler; cancellation of
// ctx itself is returned as ctx.Err().
func (r *Registry) Run(ctx context.Context, p domain.Payload, timeout time.Duration, progress ProgressFunc) (json.RawMessage, error) {
	h, ok := r.Get(p.Kind())
	if !ok {
		return nil, errors.Wrapf(domain.ErrHandler, "no handler for %s", p.Kind())
	}
	if progress == nil {
		progress = noProgress
	}

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res json.RawMessage
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("handler panicked",
					zap.String("kind", string(p.Kind())),
					zap.Any("panic", rec),
					zap.String("stack", string(debug.Stack())),
				)
				done <- outcome{err: errors.Wrapf(domain.ErrHandler, "panic: %v", rec)}
			}
		}()
		res, err := h.Handle(hctx, p, progress)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil {
			return o.res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if hctx.Err() == context.DeadlineExceeded {
			return nil, timeoutErr(timeout)
		}
		if errors.Is(o.err, domain.ErrHandler) {
			return nil, o.err
		}
		return nil, domain.Mark(domain.ErrHandler, o.err, string(p.Kind()))
	case <-hctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, timeoutErr(timeout)
	}
}

func timeoutErr(d time.Duration) error {
	return errors.Wrap(domain.ErrTimeout, fmt.Sprintf("after %s", d))
}
