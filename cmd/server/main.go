package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gsarma/batchjudge/internal/api"
	"github.com/gsarma/batchjudge/internal/config"
	"github.com/gsarma/batchjudge/internal/engine"
	"github.com/gsarma/batchjudge/internal/judge"
	"github.com/gsarma/batchjudge/internal/judgecache"
	"github.com/gsarma/batchjudge/internal/logger"
	"github.com/gsarma/batchjudge/internal/progress"
	"github.com/gsarma/batchjudge/internal/store"
	"github.com/gsarma/batchjudge/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	logger.SetDir(cfg.LogDir)
	lg := logger.NewNamedLogger("server")
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		lg.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()
	if err := store.Migrate(ctx, pool); err != nil {
		lg.Fatalw("failed to apply schema", "error", err)
	}

	engineOpts := []engine.Option{engine.WithLogger(logger.NewNamedLogger("engine"))}

	if cfg.Redis.URL != "" {
		cache, rdb, err := judgecache.NewRedis(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		if err != nil {
			lg.Fatalw("failed to set up result cache", "error", err)
		}
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			lg.Warnw("redis unreachable, results will not be cached until it recovers", "addr", cfg.Redis.URL, "error", err)
		}
		engineOpts = append(engineOpts, engine.WithCache(cache))
	}

	reporters := []engine.Reporter{engine.NewLogReporter(logger.NewNamedLogger("progress"))}
	if cfg.NATS.URL != "" {
		nc, err := progress.Connect(cfg.NATS.URL)
		if err != nil {
			lg.Fatalw("failed to connect to nats", "url", cfg.NATS.URL, "error", err)
		}
		defer nc.Drain()
		reporters = append(reporters, progress.NewPublisher(nc, cfg.NATS.Subject, logger.NewNamedLogger("nats")))
	}
	engineOpts = append(engineOpts, engine.WithReporter(engine.MultiReporter(reporters...)))

	eng := engine.New(judge.NewJudge0Client(cfg.JudgeConfig()), cfg.EngineOptions(), engineOpts...)
	queries := store.New(pool)

	router := gin.Default()
	h := api.NewHandler(queries, eng, cfg.Languages(), cfg.MaxAttempts, logger.NewNamedLogger("api"))
	api.RegisterRoutes(router, h)

	w := worker.New(queries, eng, cfg.WorkerConcurrency,
		worker.WithLogger(logger.NewNamedLogger("worker")),
		worker.WithRetention(cfg.Retention),
		worker.WithLease(cfg.Lease),
	)

	switch cfg.Mode {
	case "worker":
		lg.Infow("starting in worker-only mode", "concurrency", cfg.WorkerConcurrency)
		w.Start(ctx) // blocks until ctx cancelled
	case "api":
		// API-only: no embedded worker goroutines; scale workers separately.
		lg.Infow("starting in api-only mode", "port", cfg.Port)
		serve(ctx, router, cfg.Port)
	default:
		// Default: run both API server and worker in the same process.
		lg.Infow("starting api and worker", "port", cfg.Port, "concurrency", cfg.WorkerConcurrency)
		go w.Start(ctx)
		serve(ctx, router, cfg.Port)
	}
	lg.Info("shut down")
}

func serve(ctx context.Context, router *gin.Engine, port string) {
	lg := logger.NewNamedLogger("server")
	srv := &http.Server{Addr: ":" + port, Handler: router}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			lg.Errorw("server forced to shutdown", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		lg.Fatalw("server error", "error", err)
	}
}
