package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/ensemble-forecast-service/internal/adapter/storage"
	"github.com/couchcryptid/ensemble-forecast-service/internal/domain"
)

// RecordLoader resolves one discovered forecast file to normalized records,
// re-reading it when its Updated time is newer than what was cached.
// *loader.Loader implements it.
type RecordLoader interface {
	LoadFile(ctx context.Context, file domain.ForecastFile) ([]domain.ForecastRecord, error)
}

// SummaryTransformer implements Transformer by computing cross-ensemble
// statistics over every member of a file.
type SummaryTransformer struct {
	loader RecordLoader
	stats  []domain.Statistic
	logger *slog.Logger
}

// NewTransformer creates a SummaryTransformer publishing the given statistics.
func NewTransformer(loader RecordLoader, stats []domain.Statistic, logger *slog.Logger) *SummaryTransformer {
	return &SummaryTransformer{
		loader: loader,
		stats:  stats,
		logger: logger,
	}
}

func (t *SummaryTransformer) Transform(ctx context.Context, file domain.ForecastFile) (domain.OutputEvent, error) {
	records, err := t.loader.LoadFile(ctx, file)
	if errors.Is(err, storage.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return domain.OutputEvent{}, fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	if err != nil {
		return domain.OutputEvent{}, err
	}
	if len(records) == 0 {
		return domain.OutputEvent{}, fmt.Errorf("%s has no valid records", file.Key())
	}

	if violations := domain.CheckTrajectoryOrder(records); len(violations) > 0 {
		t.logger.Warn("trajectory rows out of order", "file", file.Key(), "violations", len(violations), "first", violations[0].String())
	}

	points, err := domain.SummaryStatistics(records, t.stats)
	if err != nil {
		return domain.OutputEvent{}, err
	}
	return domain.SerializeSummary(domain.NewSummaryMessage(file, records, points))
}
