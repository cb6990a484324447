package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/textlens/internal/app"
	"github.com/SirClappington/textlens/internal/config"
	"github.com/SirClappington/textlens/internal/logging"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	pool := a.Pool()
	// periodic sweeps belong to the scheduler; workers only sweep early
	// after a burst of finished jobs
	sw, err := a.Sweeper("")
	if err != nil {
		logger.Fatal("sweeper", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return sw.Run(gctx) })
	g.Go(func() error {
		sw.Watch(gctx, pool.Events())
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error("worker stopped", zap.Error(err))
	}
}
