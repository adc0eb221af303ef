package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Priya8975/notifly/internal/api"
	"github.com/Priya8975/notifly/internal/config"
	"github.com/Priya8975/notifly/internal/domain"
	"github.com/Priya8975/notifly/internal/engine"
	"github.com/Priya8975/notifly/internal/logging"
	"github.com/Priya8975/notifly/internal/metrics"
	"github.com/Priya8975/notifly/internal/requeue"
	"github.com/Priya8975/notifly/internal/store"
	"github.com/Priya8975/notifly/internal/stream"
	ws "github.com/Priya8975/notifly/internal/websocket"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(os.Stderr, "info", "json").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat).With("service", "server")
	metrics.Register()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	if err := pgStore.EnsureSchema(ctx); err != nil {
		logger.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}

	redisStore, err := store.NewRedis(ctx, store.RedisOptions{
		URL:        cfg.RedisURL,
		ClientName: "notifly-server",
		PoolSize:   cfg.RedisPool,
	})
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	mongoStore, err := store.NewMongo(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		logger.Error("failed to connect to mongo", "error", err)
		os.Exit(1)
	}
	defer mongoStore.Close(context.Background())
	logger.Info("connected to MongoDB")

	rdb := redisStore.Client()
	streams := stream.NewClient(rdb)
	campaigns := store.NewCampaignStore(mongoStore)
	deliveries := store.NewDeliveryStore(pgStore)
	dlq := engine.NewDLQStore(streams, campaigns, cfg.DLQMaxLen, logger)
	breaker := engine.NewCircuitBreaker(rdb, cfg.CBFailureThreshold, cfg.CBCooldown, logger)
	hub := ws.NewHub(logger)

	coordinator := requeue.NewCoordinator(rdb, streams, deliveries, campaigns, dlq, cfg.RequeueLockWindow, logger).
		WithEvents(ws.NewEventPublisher(rdb, domain.EventsChannel, logger))

	targets := make([]string, 0, len(domain.Channels))
	for _, ch := range domain.Channels {
		targets = append(targets, engine.BreakerTarget(ch, cfg.ProviderFor(ch)))
	}

	router := api.NewRouter(api.Deps{
		DLQ:            dlq,
		Requeue:        coordinator,
		Deliveries:     deliveries,
		Streams:        streams,
		Breaker:        breaker,
		BreakerTargets: targets,
		Hub:            hub,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return ws.Relay(gctx, rdb, domain.EventsChannel, hub)
	})
	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-gctx.Done():
	}

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancel()

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
