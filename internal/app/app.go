// Package app assembles backends and the API server from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/park285/fleetbattle/internal/api"
	"github.com/park285/fleetbattle/internal/auth"
	"github.com/park285/fleetbattle/internal/config"
	"github.com/park285/fleetbattle/internal/finalize"
	"github.com/park285/fleetbattle/internal/httpjson"
	"github.com/park285/fleetbattle/internal/idem"
	"github.com/park285/fleetbattle/internal/ledger"
	"github.com/park285/fleetbattle/internal/match"
	"github.com/park285/fleetbattle/internal/msgcat"
	"github.com/park285/fleetbattle/internal/notify"
	"github.com/park285/fleetbattle/internal/obslog"
	"github.com/park285/fleetbattle/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// Backends are the stores for one configured backend.
type Backends struct {
	Matches match.Store
	Stats   ledger.Ledger
	Guard   idem.Guard
	closers []func() error
}

func (b *Backends) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// OpenBackends connects the store selected by cfg.Backend.
func OpenBackends(ctx context.Context, cfg *config.AppConfig) (*Backends, error) {
	switch cfg.Backend {
	case config.BackendSQL:
		db, err := storage.OpenSQL(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		obslog.L().Info("backend_opened", zap.String("backend", "sql"), zap.String("driver", db.Driver()))
		return &Backends{
			Matches: match.NewSQLStore(db),
			Stats:   ledger.NewSQLLedger(db),
			Guard:   idem.NewSQLGuard(db, idem.DefaultClaimTTL),
			closers: []func() error{db.Close},
		}, nil
	case config.BackendRedis:
		rdb, err := storage.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		obslog.L().Info("backend_opened", zap.String("backend", "redis"))
		return &Backends{
			Matches: match.NewRedisStore(rdb),
			Stats:   ledger.NewRedisLedger(rdb),
			Guard:   idem.NewRedisGuard(rdb, idem.DefaultClaimTTL),
			closers: []func() error{rdb.Close},
		}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// NewAuth builds the token service from cfg.
func NewAuth(cfg *config.AppConfig) *auth.Service {
	return auth.NewService(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL)
}

// NewServer wires the finalizer, notifier and metrics into an API server.
func NewServer(cfg *config.AppConfig, b *Backends) (*api.Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	authSvc := NewAuth(cfg)
	fin := finalize.New(authSvc, b.Matches, b.Stats, finalize.WithMetrics(finalize.NewMetrics(reg)))

	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	var egress notify.Egress
	if cfg.NotifyDryRun {
		egress = notify.NewLogEgress(obslog.Named("notify"))
	} else {
		egress = notify.NewWebhookEgress(httpjson.New(cfg.NotifyBaseURL, httpjson.WithTimeout(cfg.RequestTimeout)))
	}

	return api.New(api.Deps{
		Auth:       authSvc,
		Finalizer:  fin,
		Matches:    b.Matches,
		Stats:      b.Stats,
		Notifier:   notify.New(cat, egress, b.Guard, b.Stats),
		HookSecret: cfg.HookSecret,
		Registry:   reg,
		Timeout:    cfg.RequestTimeout,
	}), nil
}
