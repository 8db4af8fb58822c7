// Package app assembles the shared runtime used by the API, worker and CLI
// binaries from one Config.
package app

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"roster-pipeline/internal/blob"
	"roster-pipeline/internal/config"
	"roster-pipeline/internal/joblock"
	"roster-pipeline/internal/orchestrator"
	"roster-pipeline/internal/queue"
	"roster-pipeline/internal/stages"
	"roster-pipeline/internal/store"
	"roster-pipeline/internal/telemetry"
)

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Metrics      *telemetry.Metrics
	Store        store.Store
	Blobs        blob.Store
	Redis        *redis.Client
	Locker       joblock.Locker
	Orchestrator *orchestrator.Orchestrator

	closers []func() error
}

// Build connects the store, blob backend, Redis client, job locker and optional
// Vertex model, then constructs the orchestrator with the default stages.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: telemetry.New()}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = st
	a.closers = append(a.closers, st.Close)

	if a.Blobs, err = blob.New(ctx, cfg); err != nil {
		a.Close()
		return nil, eris.Wrap(err, "open blob store")
	}

	a.Redis = queue.NewRedisClient(cfg)
	a.closers = append(a.closers, a.Redis.Close)

	if a.Locker, err = newLocker(cfg, st, a.Redis); err != nil {
		a.Close()
		return nil, err
	}

	// a typed nil must not reach stages.Default, so the model stays an interface
	var model stages.ContentGenerator
	if cfg.VertexProject != "" {
		vm, err := stages.NewVertexModel(ctx, cfg.VertexProject, cfg.VertexRegion, cfg.VertexModel)
		if err != nil {
			a.Close()
			return nil, err
		}
		model = vm
		a.closers = append(a.closers, vm.Close)
	} else {
		logger.Info("VERTEX_PROJECT not set; ai_assist runs as a pass-through")
	}

	a.Orchestrator, err = orchestrator.New(st, stages.Default(a.Blobs, model, logger), a.Locker, orchestrator.Config{
		StageTimeout:    cfg.StageTimeout,
		AIAssistTimeout: cfg.AIAssistTimeout,
		RunTimeout:      cfg.RunTimeout,
		StaleAfter:      cfg.StaleAfter,
		ForceAIAssist:   cfg.ForceAIAssist,
	}, logger, a.Metrics)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		st, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, eris.Wrap(err, "open sqlite")
		}
		return st, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "migrations")
		}
		return st, nil
	}
	return nil, eris.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func newLocker(cfg config.Config, st store.Store, client *redis.Client) (joblock.Locker, error) {
	switch cfg.LockDriver {
	case "redis":
		return joblock.NewRedis(client, cfg.LockTTL), nil
	case "postgres":
		pg, ok := st.(*store.PostgresStore)
		if !ok {
			return nil, eris.New("postgres lock driver requires the postgres store")
		}
		return joblock.NewPostgres(pg.Pool()), nil
	case "file":
		return joblock.NewFile(cfg.LockDir)
	case "local":
		return joblock.NewLocal(), nil
	}
	return nil, eris.Errorf("unknown lock driver %q", cfg.LockDriver)
}

// Close releases everything Build opened.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close component", zap.Error(err))
		}
	}
	a.closers = nil
}
