package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/medibridge/hms-backend/api/ops"
	"github.com/medibridge/hms-backend/internal/envelope"
	"github.com/medibridge/hms-backend/internal/idempotency"
	"github.com/medibridge/hms-backend/internal/ledger"
	"github.com/medibridge/hms-backend/internal/queue"
	"github.com/medibridge/hms-backend/internal/retry"
	"github.com/medibridge/hms-backend/internal/submission"
	"github.com/medibridge/hms-backend/pkg/config"
	"github.com/medibridge/hms-backend/pkg/db"
	"github.com/medibridge/hms-backend/pkg/logger"
	"github.com/medibridge/hms-backend/pkg/metrics"
	"github.com/medibridge/hms-backend/pkg/migrate"
	"github.com/medibridge/hms-backend/pkg/redis"
)

const opsShutdownTimeout = 5 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "ledger-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "ledger-worker"

	logg = logger.New(logger.Options{
		ServiceName: "ledger-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	signer, err := envelope.NewSigner(cfg.Envelope)
	if err != nil {
		logg.Error(context.Background(), "failed to create envelope signer", err)
		os.Exit(1)
	}

	cache, err := idempotency.NewCache(redisClient, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create idempotency cache", err)
		os.Exit(1)
	}

	ledgerClient, err := ledger.NewHTTPClient(cfg.Ledger)
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger client", err)
		os.Exit(1)
	}

	executor := retry.NewExecutor(logg, retry.NewBreakerRegistry(cfg.Breaker))

	queueRepo := queue.NewRepository(dbClient.DB())
	submissionQueue, err := queue.New(cfg.Queue, queueRepo, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create submission queue", err)
		os.Exit(1)
	}

	service, err := submission.NewService(submission.ServiceParams{
		Config:     cfg,
		Logger:     logg,
		Signer:     signer,
		Ledger:     ledgerClient,
		Executor:   executor,
		Cache:      cache,
		Queue:      submissionQueue,
		Repository: submission.NewRepository(dbClient.DB()),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create submission service", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()

	pool, err := queue.NewPool(queue.PoolParams{
		Config:     cfg.Queue,
		Logger:     logg,
		DB:         dbClient,
		Repository: queueRepo,
		Handler:    service,
		Metrics:    metrics.NewQueueMetrics(registry),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create worker pool", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": "ledger-worker",
		"queue":       submissionQueue.Name(),
	})

	opsServer := &http.Server{
		Addr:    ":" + cfg.Ops.Port,
		Handler: ops.NewRouter(cfg, logg, dbClient, redisClient, redisClient, submissionQueue, registry),
	}
	go func() {
		logg.Info(logg.WithField(ctx, "addr", opsServer.Addr), "starting ops server")
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "ops server stopped unexpectedly", err)
		}
	}()

	logg.Info(ctx, "starting ledger submission worker")

	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker pool stopped unexpectedly", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opsShutdownTimeout)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logg.Error(ctx, "error shutting down ops server", err)
	}

	logg.Info(ctx, "ledger submission worker shutting down gracefully")
}
