package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Priya8975/notifly/internal/config"
	"github.com/Priya8975/notifly/internal/domain"
	"github.com/Priya8975/notifly/internal/engine"
	"github.com/Priya8975/notifly/internal/logging"
	"github.com/Priya8975/notifly/internal/metrics"
	"github.com/Priya8975/notifly/internal/provider"
	"github.com/Priya8975/notifly/internal/store"
	"github.com/Priya8975/notifly/internal/stream"
	ws "github.com/Priya8975/notifly/internal/websocket"
	"github.com/Priya8975/notifly/internal/worker"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(os.Stderr, "info", "json").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat).With("service", "worker")
	metrics.Register()

	if !domain.ValidChannel(cfg.Channel) {
		logger.Error("unknown channel", "channel", cfg.Channel)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()

	// the server owns the schema; a worker started first still creates it
	if err := pgStore.EnsureSchema(ctx); err != nil {
		logger.Warn("failed to ensure schema", "error", err)
	}

	redisStore, err := store.NewRedis(ctx, store.RedisOptions{
		URL:        cfg.RedisURL,
		ClientName: "notifly-worker-" + cfg.Channel,
		PoolSize:   cfg.RedisPool,
	})
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()

	mongoStore, err := store.NewMongo(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		logger.Error("failed to connect to mongo", "error", err)
		os.Exit(1)
	}
	defer mongoStore.Close(context.Background())

	rdb := redisStore.Client()
	streams := stream.NewClient(rdb)
	campaigns := store.NewCampaignStore(mongoStore)

	registry := provider.NewRegistry()
	registry.Register(cfg.Channel, provider.Throttle(provider.NewMock(cfg.Channel), cfg.ProviderRatePerSec))

	retries := engine.NewRetryScheduler(streams, campaigns, cfg.RetryDelay, cfg.MaxRetries, cfg.RetryScanCount, logger)

	processor := worker.NewProcessor(cfg.Channel, cfg.ProviderFor(cfg.Channel), worker.Deps{
		Providers: registry,
		Dedupe:    engine.NewDedupe(rdb, cfg.DeliveryDedupeTTL),
		Limiter:   engine.NewRateLimiter(rdb, cfg.RateLimit, cfg.RateWindow, logger),
		Breaker:   engine.NewCircuitBreaker(rdb, cfg.CBFailureThreshold, cfg.CBCooldown, logger),
		Retries:   retries,
		DLQ:       engine.NewDLQStore(streams, campaigns, cfg.DLQMaxLen, logger),
		Ledger:    store.NewDeliveryStore(pgStore),
		Campaigns: campaigns,
		Events:    ws.NewEventPublisher(rdb, domain.EventsChannel, logger),
	}, logger)

	dispatcher := worker.NewDispatcher(streams, processor, retries, cfg.Channel, worker.Options{
		Group:        cfg.WorkerGroup,
		Consumer:     cfg.WorkerConsumer,
		BatchSize:    cfg.BatchSize,
		Block:        cfg.PollBlock,
		ClaimMinIdle: cfg.ClaimMinIdle,
		Concurrency:  cfg.WorkerConcurrency,
	}, logger)

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Start(gctx)
	})
	g.Go(func() error {
		logger.Info("metrics listening", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
