package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	httpadapter "github.com/couchcryptid/ensemble-forecast-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/ensemble-forecast-service/internal/adapter/kafka"
	"github.com/couchcryptid/ensemble-forecast-service/internal/adapter/storage"
	"github.com/couchcryptid/ensemble-forecast-service/internal/config"
	"github.com/couchcryptid/ensemble-forecast-service/internal/ingest"
	"github.com/couchcryptid/ensemble-forecast-service/internal/loader"
	"github.com/couchcryptid/ensemble-forecast-service/internal/observability"
	"github.com/couchcryptid/ensemble-forecast-service/internal/pipeline"
)

// readiness is ready when every check passes.
type readiness []interface {
	CheckReadiness(ctx context.Context) error
}

func (r readiness) CheckReadiness(ctx context.Context) error {
	for _, c := range r {
		if err := c.CheckReadiness(ctx); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	registry, err := ingest.LoadRegistry(cfg.DatasetsFile)
	if err != nil {
		logger.Error("failed to load dataset registry", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open object store", "backend", cfg.StorageBackend, "error", err)
		os.Exit(1)
	}
	store := storage.NewBreakerStore(backend, storage.BreakerSettings{
		FailureThreshold: cfg.BreakerFailures,
		Timeout:          cfg.BreakerTimeout,
	}, logger)
	logger.Info("object store ready", "backend", cfg.StorageBackend, "datasets", registry.Datasets())

	cache := loader.NewCache(cfg.CacheSize, cfg.CacheTTL, clockwork.NewRealClock())
	ldr := loader.New(store, registry, cache, logger, metrics)

	checks := readiness{store}

	// Summary publisher (feature-flagged via PUBLISH_ENABLED).
	var writer *kafkaadapter.Writer
	if cfg.PublishEnabled {
		sources := make([]storage.Source, 0, len(registry.Datasets()))
		for _, name := range registry.Datasets() {
			spec, _ := registry.Get(name)
			sources = append(sources, storage.Source{Dataset: name, Prefix: spec.Prefix})
		}
		scanner := storage.NewScanner(store, sources, cfg.PollInterval)
		writer = kafkaadapter.NewWriter(cfg, logger)
		transformer := pipeline.NewTransformer(ldr, cfg.PublishStatistics, logger)
		p := pipeline.New(scanner, transformer, writer, logger, metrics, cfg.BatchSize)
		checks = append(checks, p)

		go func() {
			if err := p.Run(ctx); err != nil {
				logger.Error("pipeline error", "error", err)
			}
		}()
		logger.Info("summary publisher enabled", "topic", cfg.KafkaSinkTopic, "statistics", len(cfg.PublishStatistics))
	} else {
		logger.Info("summary publisher disabled")
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, checks, ldr, metrics, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if err := store.Close(); err != nil {
		logger.Error("object store close error", "error", err)
	}

	logger.Info("shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	if cfg.StorageBackend == config.BackendGCS {
		return storage.NewGCSStore(ctx, cfg.StorageBucket, cfg.StorageCredentialsFile)
	}
	return storage.NewLocalStore(cfg.StorageBaseDir)
}
