package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/couchcryptid/ensemble-forecast-service/internal/domain"
)

// Storage backends.
const (
	BackendGCS   = "gcs"
	BackendLocal = "local"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Object storage.
	StorageBackend         string
	StorageBucket          string
	StorageCredentialsFile string
	StorageBaseDir         string
	BreakerTimeout         time.Duration
	BreakerFailures        uint32

	DatasetsFile string
	CacheSize    int
	CacheTTL     time.Duration

	// Summary publisher.
	PublishEnabled     bool
	PublishStatistics  []domain.Statistic
	PollInterval       time.Duration
	KafkaBrokers       []string
	KafkaSinkTopic     string
	BatchSize          int
	BatchFlushInterval time.Duration
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	cacheTTL, err := parseDuration("CACHE_TTL", "10m", true)
	if err != nil {
		return nil, err
	}
	breakerTimeout, err := parseDuration("BREAKER_TIMEOUT", "30s", false)
	if err != nil {
		return nil, err
	}
	pollInterval, err := parseDuration("PUBLISH_POLL_INTERVAL", "1m", false)
	if err != nil {
		return nil, err
	}

	cacheSize, err := parsePositiveInt("CACHE_SIZE", 64)
	if err != nil {
		return nil, err
	}
	breakerFailures, err := parsePositiveInt("BREAKER_FAILURE_THRESHOLD", 5)
	if err != nil {
		return nil, err
	}

	stats, err := domain.ParseStatistics(splitList(sharedcfg.EnvOrDefault("PUBLISH_STATISTICS", "mean,median,p10,p90")))
	if err != nil {
		return nil, fmt.Errorf("invalid PUBLISH_STATISTICS: %w", err)
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		StorageBackend:         sharedcfg.EnvOrDefault("STORAGE_BACKEND", BackendLocal),
		StorageBucket:          os.Getenv("STORAGE_BUCKET"),
		StorageCredentialsFile: os.Getenv("STORAGE_CREDENTIALS_FILE"),
		StorageBaseDir:         sharedcfg.EnvOrDefault("STORAGE_BASE_DIR", "./data"),
		BreakerTimeout:         breakerTimeout,
		BreakerFailures:        uint32(breakerFailures),

		DatasetsFile: os.Getenv("DATASETS_FILE"),
		CacheSize:    cacheSize,
		CacheTTL:     cacheTTL,

		PublishEnabled:     os.Getenv("PUBLISH_ENABLED") == "true",
		PublishStatistics:  stats,
		PollInterval:       pollInterval,
		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSinkTopic:     sharedcfg.EnvOrDefault("KAFKA_SINK_TOPIC", "ensemble-forecast-summaries"),
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,
	}

	switch cfg.StorageBackend {
	case BackendGCS:
		if cfg.StorageBucket == "" {
			return nil, errors.New("STORAGE_BUCKET is required when STORAGE_BACKEND is gcs")
		}
	case BackendLocal:
		if cfg.StorageBaseDir == "" {
			return nil, errors.New("STORAGE_BASE_DIR is required when STORAGE_BACKEND is local")
		}
	default:
		return nil, fmt.Errorf("invalid STORAGE_BACKEND %q: want gcs or local", cfg.StorageBackend)
	}

	if cfg.PublishEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required")
		}
		if cfg.KafkaSinkTopic == "" {
			return nil, errors.New("KAFKA_SINK_TOPIC is required")
		}
		if len(cfg.PublishStatistics) == 0 {
			return nil, errors.New("PUBLISH_STATISTICS must name at least one statistic")
		}
	}

	return cfg, nil
}

// parseDuration reads a duration variable. Zero is accepted only when allowZero is set.
func parseDuration(key, def string, allowZero bool) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parsePositiveInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", key)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
