package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/ensemble-forecast-service/internal/domain"
	"github.com/couchcryptid/ensemble-forecast-service/internal/observability"
)

// BatchExtractor returns up to batchSize forecast files that have not been
// published yet.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.ForecastFile, error)
}

// ErrRetryable marks a Transform failure that may succeed on a later attempt,
// such as storage being unavailable. Such files are left uncommitted.
var ErrRetryable = errors.New("retryable")

// Transformer summarizes one forecast file into an output event.
type Transformer interface {
	Transform(ctx context.Context, file domain.ForecastFile) (domain.OutputEvent, error)
}

// BatchLoader writes multiple output events to the destination.
type BatchLoader interface {
	LoadBatch(ctx context.Context, events []domain.OutputEvent) error
}

// Pipeline orchestrates the scan, summarize, publish loop.
type Pipeline struct {
	extractor   BatchExtractor
	transformer Transformer
	loader      BatchLoader
	logger      *slog.Logger
	metrics     *observability.Metrics
	ready       atomic.Bool
	batchSize   int
}

// New creates a Pipeline with the given stages and observability.
func New(e BatchExtractor, t Transformer, l BatchLoader, logger *slog.Logger, metrics *observability.Metrics, batchSize int) *Pipeline {
	return &Pipeline{
		extractor:   e,
		transformer: t,
		loader:      l,
		logger:      logger,
		metrics:     metrics,
		batchSize:   batchSize,
	}
}

// CheckReadiness returns nil once the pipeline has completed a scan, or an
// error describing why the publisher is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("summary publisher has not completed a scan yet")
	}
	return nil
}

// Run executes the batch ETL loop until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "batch_size", p.batchSize)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	// Exponential backoff: start at 200ms, double each retry, cap at 5s.
	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if !p.processBatch(ctx, &backoff, maxBackoff) {
			return nil
		}
	}
}

// processBatch runs one extract-transform-load cycle. Returns false if the pipeline should stop.
func (p *Pipeline) processBatch(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	start := time.Now()

	files, err := p.extractor.ExtractBatch(ctx, p.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.logger.Error("extract batch failed", "error", err)
		return p.backoffOrStop(ctx, backoff, maxBackoff)
	}

	if len(files) == 0 {
		// An empty scan still proves storage is reachable.
		*backoff = 200 * time.Millisecond
		p.ready.Store(true)
		return ctx.Err() == nil
	}

	p.metrics.FilesConsumed.Add(float64(len(files)))
	p.metrics.BatchSize.Observe(float64(len(files)))

	loaded, ok := p.transformAndLoad(ctx, files, backoff, maxBackoff)
	if !ok {
		return false
	}

	if loaded > 0 {
		p.metrics.BatchProcessingDuration.Observe(time.Since(start).Seconds())
		p.ready.Store(true)
	}
	return true
}

// transformAndLoad summarizes each file in the batch, loads the successes,
// and commits them. Files that cannot be summarized are committed too so a
// poison file is not retried forever. A retryable failure stops the batch
// without committing the rest, and the loop backs off before the scanner
// offers those files again. Returns the number of loaded summaries and false
// if the pipeline should stop.
func (p *Pipeline) transformAndLoad(ctx context.Context, files []domain.ForecastFile, backoff *time.Duration, maxBackoff time.Duration) (int, bool) {
	outBatch := make([]domain.OutputEvent, 0, len(files))
	summarized := make([]domain.ForecastFile, 0, len(files))
	retry := false

	for _, file := range files {
		out, err := p.transformer.Transform(ctx, file)
		if err != nil {
			if ctx.Err() != nil {
				return 0, false
			}
			p.metrics.TransformErrors.Inc()
			if errors.Is(err, ErrRetryable) {
				p.logger.Warn("summarize failed, retrying later",
					"error", err,
					"dataset", file.Dataset,
					"object", file.Object,
				)
				retry = true
				break
			}
			p.logger.Warn("summarize failed, skipping file",
				"error", err,
				"dataset", file.Dataset,
				"object", file.Object,
			)
			p.commit(ctx, file)
			continue
		}
		outBatch = append(outBatch, out)
		summarized = append(summarized, file)
	}

	if len(outBatch) > 0 {
		if err := p.loader.LoadBatch(ctx, outBatch); err != nil {
			p.logger.Error("load batch failed", "error", err, "batch_size", len(outBatch))
			return 0, p.backoffOrStop(ctx, backoff, maxBackoff)
		}

		p.metrics.SummariesProduced.Add(float64(len(outBatch)))

		for _, file := range summarized {
			p.commit(ctx, file)
		}
	}

	if retry {
		return len(outBatch), p.backoffOrStop(ctx, backoff, maxBackoff)
	}
	*backoff = 200 * time.Millisecond
	return len(outBatch), true
}

// backoffOrStop checks for context cancellation, sleeps with the current backoff,
// and advances the backoff. Returns false if the pipeline should stop.
func (p *Pipeline) backoffOrStop(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !sleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = nextBackoff(*backoff, maxBackoff)
	return true
}

// commit marks the file as published if a commit function is available.
func (p *Pipeline) commit(ctx context.Context, file domain.ForecastFile) {
	if file.Commit == nil {
		return
	}
	if err := file.Commit(ctx); err != nil {
		p.logger.Warn("commit failed", "error", err,
			"dataset", file.Dataset, "object", file.Object)
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
