package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/textlens/internal/api"
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

	limits, err := a.Limits()
	if err != nil {
		logger.Fatal("rate limits", zap.Error(err))
	}
	sw, err := a.LocalSweeper()
	if err != nil {
		logger.Fatal("sweeper", zap.Error(err))
	}

	srv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: api.NewServer(a.Admission, limits, logger, a.MaxBody()).Routes(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", cfg.APIAddr), zap.String("env", cfg.AppEnv))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error { return sw.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("api stopped", zap.Error(err))
	}
}
