package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/rueidis"
	"go.uber.org/zap"

	"github.com/tierd/tierd/db"
	"github.com/tierd/tierd/internal/config"
	"github.com/tierd/tierd/internal/filestore"
	httpserver "github.com/tierd/tierd/internal/http"
	"github.com/tierd/tierd/internal/identity"
	"github.com/tierd/tierd/internal/ledger"
	"github.com/tierd/tierd/internal/notify"
	"github.com/tierd/tierd/internal/ratelimit"
	"github.com/tierd/tierd/internal/reconcile"
	"github.com/tierd/tierd/internal/repository"
	"github.com/tierd/tierd/internal/store"
	"github.com/tierd/tierd/internal/voting"
)

// app holds every long-lived dependency of the process.
type app struct {
	logger *zap.Logger

	store    *store.Store // nil in fallback-only mode
	fallback *filestore.Store
	limiter  *ratelimit.Limiter
	hub      *notify.Hub
	redis    rueidis.Client
	relay    *notify.RedisRelay

	reconcilers  map[string]*reconcile.Service
	defaultStore string
	server       *httpserver.Server
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{logger: logger}

	a.store = connectPrimary(ctx, cfg, logger)
	if a.store != nil && cfg.DBAutoMigrate {
		if _, err := a.store.Migrate(ctx, db.Migrations, "migrations"); err != nil {
			logger.Error("migrating primary failed, running on the fallback store only", zap.Error(err))
			a.store.Close()
			a.store = nil
		}
	}
	a.fallback = filestore.New(cfg.FallbackPath, filestore.Options{Logger: logger})

	var (
		primary ledger.Store
		targets = map[string]reconcile.Target{filestore.Name: a.fallback}
	)
	a.defaultStore = filestore.Name
	if a.store != nil {
		retry := store.DefaultRetryPolicy()
		retry.MaxRetries = uint64(cfg.PrimaryMaxRetries)
		repo := repository.New(a.store, retry)
		primary = repo.Votes
		targets[repository.Name] = repo.Products
		a.defaultStore = repository.Name
	}
	chain := ledger.NewChain(primary, a.fallback, ledger.ChainOptions{
		PrimaryTimeout: cfg.PrimaryTimeout,
		Logger:         logger,
	})

	a.hub = notify.NewHub(notify.HubOptions{Logger: logger})
	var publisher notify.Publisher = a.hub
	if cfg.RedisAddr != "" {
		client, err := rueidis.NewClient(rueidis.ClientOption{
			InitAddress: []string{cfg.RedisAddr},
			Password:    cfg.RedisPassword,
			// Pub/sub only; nothing is read through the client cache.
			DisableCache: true,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		a.redis = client
		a.relay = notify.NewRedisRelay(client, cfg.RedisChannel, a.hub, logger)
		publisher = a.relay
		logger.Info("relaying vote updates through redis",
			zap.String("addr", cfg.RedisAddr),
			zap.String("channel", cfg.RedisChannel))
	}

	a.limiter = ratelimit.New(ratelimit.Options{
		Max:        cfg.RateLimitMax,
		Window:     cfg.RateLimitWindow,
		SweepEvery: cfg.RateLimitSweep,
	})

	votes := voting.New(chain, a.limiter, publisher, identity.NewResolver(), voting.Options{
		RequireIdentity: cfg.RequireIdentity,
		OfflineStore:    filestore.Name,
		Logger:          logger,
	})

	a.reconcilers = make(map[string]*reconcile.Service, len(targets))
	for name, target := range targets {
		a.reconcilers[name] = reconcile.New(target, reconcile.Options{
			Concurrency: cfg.ReconcileConcurrency,
			Publisher:   publisher,
			Logger:      logger,
		})
	}

	deps := httpserver.Deps{
		Votes:        votes,
		Hub:          a.hub,
		Reconcilers:  a.reconcilers,
		DefaultStore: a.defaultStore,
	}
	if a.store != nil {
		deps.Primary = a.store
	}
	a.server = httpserver.New(cfg, deps, logger)
	return a, nil
}

// connectPrimary returns nil when no database is configured or it cannot be
// reached; the service then runs on the fallback file alone.
func connectPrimary(ctx context.Context, cfg config.Config, logger *zap.Logger) *store.Store {
	if cfg.DBURL == "" {
		logger.Warn("DB_URL not set, running on the fallback store only",
			zap.String("path", cfg.FallbackPath))
		return nil
	}

	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	st, err := store.New(dbCtx, cfg.DBURL, store.Options{
		MaxConns:               int32(cfg.DBMaxConns),
		MinConns:               int32(cfg.DBMinConns),
		MaxConnIdleTime:        time.Duration(cfg.DBMaxIdleSecs) * time.Second,
		MaxConnLifetime:        time.Duration(cfg.DBMaxLifeSecs) * time.Second,
		ConnTimeout:            time.Duration(cfg.DBConnTimeoutSecs) * time.Second,
		StatementCacheCapacity: cfg.DBStatementCache,
		Logger:                 logger,
	})
	if err != nil {
		logger.Warn("primary database unavailable, running on the fallback store only",
			zap.Error(err),
			zap.String("path", cfg.FallbackPath))
		return nil
	}
	return st
}

func (a *app) Close() {
	if a.limiter != nil {
		a.limiter.Shutdown()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.relay != nil {
		a.relay.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.store != nil {
		a.store.LogStats()
		a.store.Close()
	}
}
