package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/park285/fleetbattle/internal/app"
	appcfg "github.com/park285/fleetbattle/internal/config"
	"github.com/park285/fleetbattle/internal/obslog"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()

	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	if err := run(cfg); err != nil {
		obslog.L().Error("server_exit", zap.Error(err))
		obslog.Sync()
		os.Exit(1)
	}
}

func run(cfg *appcfg.AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	octx, cancel := context.WithTimeout(ctx, 15*time.Second)
	backends, err := app.OpenBackends(octx, cfg)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Close(); err != nil {
			obslog.L().Warn("backend_close_failed", zap.Error(err))
		}
	}()

	srv, err := app.NewServer(cfg, backends)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		obslog.L().Info("server_listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("backend", string(cfg.Backend)),
			zap.Bool("notify_dry_run", cfg.NotifyDryRun),
		)
		return srv.ListenAndServe(cfg.ListenAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		obslog.L().Info("server_shutdown")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
