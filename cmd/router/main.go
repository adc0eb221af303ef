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
	"github.com/Priya8975/notifly/internal/engine"
	"github.com/Priya8975/notifly/internal/logging"
	"github.com/Priya8975/notifly/internal/metrics"
	"github.com/Priya8975/notifly/internal/router"
	"github.com/Priya8975/notifly/internal/store"
	"github.com/Priya8975/notifly/internal/stream"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(os.Stderr, "info", "json").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat).With("service", "router")
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisStore, err := store.NewRedis(ctx, store.RedisOptions{
		URL:        cfg.RedisURL,
		ClientName: "notifly-router",
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

	r := router.New(
		streams,
		streams,
		campaigns,
		engine.NewDedupe(rdb, cfg.CampaignDedupeTTL),
		engine.NewDLQStore(streams, campaigns, cfg.DLQMaxLen, logger),
		router.Options{
			Group:        cfg.RouterGroup,
			Consumer:     cfg.RouterConsumer,
			BatchSize:    cfg.BatchSize,
			Block:        cfg.PollBlock,
			ClaimMinIdle: cfg.ClaimMinIdle,
		},
		logger,
	)

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Start(gctx)
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
		logger.Error("router exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("router stopped")
}
