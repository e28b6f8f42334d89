package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"cohortvault/internal/columnar"
	"cohortvault/internal/config"
	"cohortvault/internal/definition"
	_ "cohortvault/internal/definition/tables" // register table types
	"cohortvault/internal/diagnostics"
	"cohortvault/internal/identity"
	"cohortvault/internal/logging"
	"cohortvault/internal/metrics"
	"cohortvault/internal/phi"
	"cohortvault/internal/pipeline"
	"cohortvault/internal/run"
	"cohortvault/internal/storage"
	"cohortvault/internal/store"
	"cohortvault/internal/store/memory"
	"cohortvault/internal/store/postgres"
	"cohortvault/internal/taskqueue"
	"cohortvault/internal/validate"
	"cohortvault/internal/web"
)

func main() {
	// .env overrides the environment when present
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	log := slog.Default()

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"workers", cfg.Pipeline.Workers,
		"queue", queueKind(cfg),
		"table_types", definition.Count(),
	)

	ctx := context.Background()

	stores, cleanup, err := openStores(ctx, cfg)
	if err != nil {
		slog.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	svc, err := storage.NewLocal(cfg.Storage.Root)
	if err != nil {
		slog.Error("failed to open storage root", "error", err)
		os.Exit(1)
	}

	queue, err := openQueue(ctx, cfg)
	if err != nil {
		slog.Error("failed to open task queue", "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	runSvc := run.NewService(stores, queue, log)
	engine := validate.New(stores.Runs, log, cfg.Pipeline.VariableWorkers, metrics.EngineObserver{})
	identities := identity.NewService(stores.Identities, log)
	tracker := phi.NewTracker(stores.PHI, log)
	converter := columnar.NewConverter(svc, cfg.Columnar.Dir,
		cfg.Columnar.MemoryLimitMB, cfg.Columnar.SpillDir, log)
	diagnoser := diagnostics.New()
	diagnoser.CheckpointRows = cfg.Pipeline.DiagnosticsCheckpointRows

	orch := pipeline.New(stores, svc, queue, diagnoser, converter, nil,
		identities, engine, runSvc, tracker,
		pipeline.Config{
			MaxRetries:      cfg.Pipeline.MaxRetries,
			RetryBackoff:    cfg.Pipeline.RetryBackoff,
			CleanupDeadline: cfg.PHI.CleanupDeadline,
		}, log)

	mux := taskqueue.NewMux()
	orch.Register(mux)

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	pool := taskqueue.NewPool(queue, mux, log, cfg.Pipeline.Workers, metrics.PoolObserver{})
	pool.Start(jobCtx)

	sweeper := phi.NewSweeper(stores.PHI, tracker, log)
	go sweeper.Start(jobCtx, phi.SweepConfig{
		Interval:     cfg.PHI.SweepInterval,
		ForceCleanup: cfg.PHI.ForceCleanup,
	})

	server := web.NewServer(stores, svc, orch, runSvc, cfg)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
		pool.Wait()
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil {
		slog.Info("server stopped", "error", err)
	}
}

// openStores connects Postgres when a database URL is configured and falls
// back to in-memory stores for single-node evaluation setups.
func openStores(ctx context.Context, cfg *config.Config) (store.Stores, func(), error) {
	if cfg.Database.URL == "" {
		slog.Warn("no database configured, state will not survive restarts")
		return memory.NewStores(), func() {}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return store.Stores{}, nil, err
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return store.Stores{}, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return store.Stores{}, nil, err
	}
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return store.Stores{}, nil, err
	}
	slog.Info("connected to database")
	return postgres.NewStores(pool), pool.Close, nil
}

// openQueue connects Redis when configured; otherwise tasks stay in
// process memory.
func openQueue(ctx context.Context, cfg *config.Config) (taskqueue.Queue, error) {
	if cfg.Redis.Addr == "" {
		return taskqueue.NewMemory(1024), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	slog.Info("connected to redis", "addr", cfg.Redis.Addr)
	return taskqueue.NewRedis(client), nil
}

func queueKind(cfg *config.Config) string {
	if cfg.Redis.Addr == "" {
		return "memory"
	}
	return "redis"
}
