package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/textlens/internal/app"
	"github.com/SirClappington/textlens/internal/config"
	"github.com/SirClappington/textlens/internal/logging"
)

const (
	leaderLockID  = 42
	electInterval = 5 * time.Second
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

	sw, err := a.Sweeper(cfg.Sweep.Schedule)
	if err != nil {
		logger.Fatal("sweeper", zap.Error(err))
	}

	tick := time.NewTicker(electInterval)
	defer tick.Stop()
	for {
		// leader election; the lock lives as long as the held connection
		err := lead(ctx, a.DB, func(ctx context.Context) error {
			logger.Info("acquired scheduler lock")
			return sw.Run(ctx)
		})
		if err != nil {
			logger.Warn("leader election", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// lead runs fn while holding the advisory lock on a dedicated connection.
// It returns nil immediately when another scheduler holds the lock.
func lead(ctx context.Context, db *pgxpool.Pool, fn func(context.Context) error) error {
	conn, err := db.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire connection")
	}
	defer conn.Release()

	var ok bool
	if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", leaderLockID).Scan(&ok); err != nil {
		return errors.Wrap(err, "try advisory lock")
	}
	if !ok {
		return nil
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_, _ = conn.Exec(uctx, "select pg_advisory_unlock($1)", leaderLockID)
	}()
	return fn(ctx)
}
