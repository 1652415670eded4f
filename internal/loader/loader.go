// Package loader fetches forecast tables from object storage, normalizes them
// through the dataset registry, and caches the resulting records.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/couchcryptid/ensemble-forecast-service/internal/adapter/storage"
	"github.com/couchcryptid/ensemble-forecast-service/internal/domain"
	"github.com/couchcryptid/ensemble-forecast-service/internal/ingest"
	"github.com/couchcryptid/ensemble-forecast-service/internal/observability"
)

var (
	// ErrUnknownDataset is returned for a dataset missing from the registry.
	ErrUnknownDataset = errors.New("unknown dataset")

	// ErrMalformedTable is returned when a table cannot be parsed at all,
	// as opposed to individual rows being rejected.
	ErrMalformedTable = errors.New("malformed forecast table")
)

// maxLoggedRejections caps per-table row warnings.
const maxLoggedRejections = 5

// fetchTimeout bounds a shared fetch, which is detached from the
// cancellation of the caller that started it.
const fetchTimeout = 2 * time.Minute

// Loader resolves (dataset, object) pairs to normalized records.
type Loader struct {
	store    storage.ObjectStore
	registry *ingest.Registry
	cache    *Cache
	logger   *slog.Logger
	metrics  *observability.Metrics
	group    singleflight.Group
}

// New creates a Loader. The store is expected to already carry any circuit
// breaking; the loader itself never retries.
func New(store storage.ObjectStore, registry *ingest.Registry, cache *Cache, logger *slog.Logger, metrics *observability.Metrics) *Loader {
	return &Loader{
		store:    store,
		registry: registry,
		cache:    cache,
		logger:   logger,
		metrics:  metrics,
	}
}

// ParseKey parses the "dataset:object" form used by the API and CLIs.
func ParseKey(s string) (Key, error) {
	dataset, object, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || dataset == "" || object == "" {
		return Key{}, fmt.Errorf("invalid source %q: want dataset:object", s)
	}
	return Key{Dataset: domain.Dataset(dataset), Object: object}, nil
}

// Load returns the records of one table, from cache when possible. Rejected
// rows are logged and counted but do not fail the load.
func (l *Loader) Load(ctx context.Context, dataset domain.Dataset, object string) ([]domain.ForecastRecord, error) {
	return l.load(ctx, Key{Dataset: dataset, Object: object}, time.Time{})
}

// LoadFile is Load for a discovered file: records cached from an object
// version older than file.Updated are re-read.
func (l *Loader) LoadFile(ctx context.Context, file domain.ForecastFile) ([]domain.ForecastRecord, error) {
	return l.load(ctx, Key{Dataset: file.Dataset, Object: file.Object}, file.Updated)
}

func (l *Loader) load(ctx context.Context, key Key, minVersion time.Time) ([]domain.ForecastRecord, error) {
	records, result := l.cache.lookup(key, minVersion)
	l.metrics.CacheLookups.WithLabelValues(string(result)).Inc()
	if result == resultHit {
		return records, nil
	}

	flight := key.String()
	if !minVersion.IsZero() {
		flight += "@" + minVersion.UTC().Format(time.RFC3339Nano)
	}
	ch := l.group.DoChan(flight, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return l.fetch(fetchCtx, key, minVersion)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]domain.ForecastRecord), nil
	}
}

// LoadMany loads several tables concurrently and concatenates their records
// in the order of keys.
func (l *Loader) LoadMany(ctx context.Context, keys []Key) ([]domain.ForecastRecord, error) {
	parts := make([][]domain.ForecastRecord, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	for i, k := range keys {
		g.Go(func() error {
			records, err := l.Load(gctx, k.Dataset, k.Object)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			parts[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]domain.ForecastRecord, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

// List returns the objects stored under a dataset's prefix.
func (l *Loader) List(ctx context.Context, dataset domain.Dataset) ([]storage.ObjectInfo, error) {
	spec, err := l.registry.Get(dataset)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDataset, dataset)
	}
	return l.store.List(ctx, spec.Prefix)
}

// Invalidate drops a table from the cache so the next Load re-reads it.
func (l *Loader) Invalidate(key Key) {
	l.cache.Invalidate(key)
}

func (l *Loader) fetch(ctx context.Context, key Key, version time.Time) ([]domain.ForecastRecord, error) {
	spec, err := l.registry.Get(key.Dataset)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDataset, key.Dataset)
	}

	start := time.Now()
	rc, err := l.store.Open(ctx, key.Object)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	res, err := ingest.ParseCSV(rc, spec)
	if errors.Is(err, ingest.ErrMalformed) {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedTable, key.Object, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", storage.ErrUnavailable, key.Object, err)
	}

	if n := len(res.Rejected); n > 0 {
		l.metrics.RowsRejected.WithLabelValues(string(key.Dataset)).Add(float64(n))
		for _, rowErr := range res.Rejected[:min(n, maxLoggedRejections)] {
			l.logger.Warn("row rejected", "source", key.String(), "error", rowErr)
		}
		l.logger.Warn("table loaded with rejected rows", "source", key.String(), "rejected", n, "accepted", len(res.Records))
	}

	records := res.Records
	if records == nil {
		records = []domain.ForecastRecord{}
	}
	l.cache.PutVersion(key, records, version)
	l.metrics.LoadDuration.WithLabelValues(string(key.Dataset)).Observe(time.Since(start).Seconds())
	l.logger.Debug("table loaded", "source", key.String(), "records", len(records))
	return records, nil
}
