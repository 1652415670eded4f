package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/ensemble-forecast-service/internal/adapter/storage"
	"github.com/couchcryptid/ensemble-forecast-service/internal/domain"
	"github.com/couchcryptid/ensemble-forecast-service/internal/ingest"
	"github.com/couchcryptid/ensemble-forecast-service/internal/loader"
	"github.com/couchcryptid/ensemble-forecast-service/internal/observability"
	"github.com/couchcryptid/ensemble-forecast-service/internal/pipeline"
)

// --- mocks ---

// mockExtractor hands out its batches in order, then blocks until the
// context is cancelled.
type mockExtractor struct {
	batches [][]domain.ForecastFile
	errs    []error
	calls   atomic.Int64
}

func (m *mockExtractor) ExtractBatch(ctx context.Context, _ int) ([]domain.ForecastFile, error) {
	i := int(m.calls.Add(1) - 1)
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.batches) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return m.batches[i], nil
}

type mockTransformer struct {
	failFor map[string]bool

	mu       sync.Mutex
	retryFor map[string]int // retryable failures left per object
}

func (m *mockTransformer) Transform(_ context.Context, file domain.ForecastFile) (domain.OutputEvent, error) {
	if m.failFor[file.Object] {
		return domain.OutputEvent{}, errors.New("bad table")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retryFor[file.Object] > 0 {
		m.retryFor[file.Object]--
		return domain.OutputEvent{}, fmt.Errorf("%w: no data available", pipeline.ErrRetryable)
	}
	return domain.OutputEvent{Key: []byte(file.Key()), Value: []byte(`{}`)}, nil
}

type mockLoader struct {
	mu       sync.Mutex
	loaded   []domain.OutputEvent
	failures int
}

func (m *mockLoader) LoadBatch(_ context.Context, events []domain.OutputEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("broker unavailable")
	}
	m.loaded = append(m.loaded, events...)
	return nil
}

func (m *mockLoader) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.loaded))
	for i, e := range m.loaded {
		out[i] = string(e.Key)
	}
	return out
}

type commitLog struct {
	mu   sync.Mutex
	keys []string
}

func (c *commitLog) file(object string) domain.ForecastFile {
	f := domain.ForecastFile{Dataset: domain.DatasetGencast, Object: object}
	f.Commit = func(context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.keys = append(c.keys, f.Key())
		return nil
	}
	return f
}

func (c *commitLog) committed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keys...)
}

func run(t *testing.T, p *pipeline.Pipeline, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, p.Run(ctx))
}

// --- tests ---

func TestPipeline_Run_HappyPath(t *testing.T) {
	var commits commitLog
	ext := &mockExtractor{batches: [][]domain.ForecastFile{{commits.file("a.csv"), commits.file("b.csv")}}}
	ldr := &mockLoader{}
	metrics := observability.NewMetricsForTesting()

	p := pipeline.New(ext, &mockTransformer{}, ldr, slog.Default(), metrics, 10)
	run(t, p, 300*time.Millisecond)

	want := []string{"gencast/a.csv", "gencast/b.csv"}
	if diff := cmp.Diff(want, ldr.keys()); diff != "" {
		t.Errorf("loaded keys mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, want, commits.committed())
	assert.NoError(t, p.CheckReadiness(context.Background()))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.FilesConsumed))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SummariesProduced))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.PipelineRunning))
}

func TestPipeline_Run_ContextCancellation(t *testing.T) {
	ldr := &mockLoader{}
	p := pipeline.New(&mockExtractor{}, &mockTransformer{}, ldr, slog.Default(), observability.NewMetricsForTesting(), 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, p.Run(ctx))
	assert.Empty(t, ldr.keys())
	assert.Error(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_Run_PoisonFileIsCommittedAndSkipped(t *testing.T) {
	var commits commitLog
	ext := &mockExtractor{batches: [][]domain.ForecastFile{{commits.file("bad.csv"), commits.file("good.csv")}}}
	tfm := &mockTransformer{failFor: map[string]bool{"bad.csv": true}}
	ldr := &mockLoader{}
	metrics := observability.NewMetricsForTesting()

	p := pipeline.New(ext, tfm, ldr, slog.Default(), metrics, 10)
	run(t, p, 300*time.Millisecond)

	assert.Equal(t, []string{"gencast/good.csv"}, ldr.keys())
	assert.ElementsMatch(t, []string{"gencast/bad.csv", "gencast/good.csv"}, commits.committed())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TransformErrors))
}

func TestPipeline_Run_RetryableFailureDoesNotCommit(t *testing.T) {
	var commits commitLog
	a, b := commits.file("a.csv"), commits.file("b.csv")
	ext := &mockExtractor{batches: [][]domain.ForecastFile{{a, b}, {a, b}}}
	tfm := &mockTransformer{retryFor: map[string]int{"a.csv": 1}}
	ldr := &mockLoader{}

	p := pipeline.New(ext, tfm, ldr, slog.Default(), observability.NewMetricsForTesting(), 10)
	run(t, p, time.Second)

	assert.Equal(t, []string{"gencast/a.csv", "gencast/b.csv"}, ldr.keys())
	assert.Equal(t, []string{"gencast/a.csv", "gencast/b.csv"}, commits.committed())
}

func TestPipeline_Run_StorageOutageLeavesFilesUncommitted(t *testing.T) {
	var commits commitLog
	ext := &mockExtractor{batches: [][]domain.ForecastFile{{commits.file("a.csv")}}}
	outage := &fakeRecordLoader{err: fmt.Errorf("%w: circuit open", storage.ErrUnavailable)}
	tfm := pipeline.NewTransformer(outage, []domain.Statistic{domain.Mean()}, slog.Default())
	ldr := &mockLoader{}
	metrics := observability.NewMetricsForTesting()

	p := pipeline.New(ext, tfm, ldr, slog.Default(), metrics, 10)
	run(t, p, 300*time.Millisecond)

	assert.Empty(t, ldr.keys())
	assert.Empty(t, commits.committed())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TransformErrors))
}

func TestPipeline_Run_LoadFailureDoesNotCommit(t *testing.T) {
	var commits commitLog
	file := commits.file("a.csv")
	// The scanner re-offers uncommitted files, so the second batch repeats it.
	ext := &mockExtractor{batches: [][]domain.ForecastFile{{file}, {file}}}
	ldr := &mockLoader{failures: 1}

	p := pipeline.New(ext, &mockTransformer{}, ldr, slog.Default(), observability.NewMetricsForTesting(), 10)
	run(t, p, time.Second)

	assert.Equal(t, []string{"gencast/a.csv"}, ldr.keys())
	assert.Equal(t, []string{"gencast/a.csv"}, commits.committed())
}

func TestPipeline_Run_ExtractErrorBacksOff(t *testing.T) {
	var commits commitLog
	ext := &mockExtractor{
		errs:    []error{errors.New("no data available")},
		batches: [][]domain.ForecastFile{nil, {commits.file("a.csv")}},
	}
	ldr := &mockLoader{}

	p := pipeline.New(ext, &mockTransformer{}, ldr, slog.Default(), observability.NewMetricsForTesting(), 10)
	run(t, p, time.Second)

	assert.Equal(t, []string{"gencast/a.csv"}, ldr.keys())
}

func TestPipeline_EmptyScanMarksReady(t *testing.T) {
	ext := &mockExtractor{batches: [][]domain.ForecastFile{{}}}
	p := pipeline.New(ext, &mockTransformer{}, &mockLoader{}, slog.Default(), observability.NewMetricsForTesting(), 10)
	run(t, p, 200*time.Millisecond)

	assert.NoError(t, p.CheckReadiness(context.Background()))
}

// --- transformer ---

type fakeRecordLoader struct {
	records []domain.ForecastRecord
	err     error
}

func (f *fakeRecordLoader) LoadFile(context.Context, domain.ForecastFile) ([]domain.ForecastRecord, error) {
	return f.records, f.err
}

var baseRun = time.Date(2023, time.July, 13, 12, 0, 0, 0, time.UTC)

func forecast(member string, step int, hPa float64) domain.ForecastRecord {
	return domain.ForecastRecord{
		EnsembleID:   member,
		Dataset:      domain.DatasetGencast,
		Latitude:     10 + float64(step),
		Longitude:    110 + float64(step),
		Pressure:     hPa,
		ForecastTime: baseRun.Add(time.Duration(step) * 12 * time.Hour),
	}
}

func TestSummaryTransformer_Transform(t *testing.T) {
	publishedAt := time.Date(2023, time.July, 13, 18, 0, 0, 0, time.UTC)
	domain.SetClock(clockwork.NewFakeClockAt(publishedAt))
	defer domain.SetClock(nil)

	ldr := &fakeRecordLoader{records: []domain.ForecastRecord{
		forecast("0", 0, 1004),
		forecast("1", 0, 1006),
		forecast("0", 1, 1000),
		forecast("1", 1, 996),
	}}
	tfm := pipeline.NewTransformer(ldr, []domain.Statistic{domain.Mean(), domain.Median()}, slog.Default())

	file := domain.ForecastFile{Dataset: domain.DatasetGencast, Object: "gencast_mslp/mslp_2023071312.csv"}
	out, err := tfm.Transform(context.Background(), file)
	require.NoError(t, err)
	assert.Equal(t, file.Key(), string(out.Key))
	assert.Equal(t, "gencast", out.Headers["dataset"])

	var msg domain.SummaryMessage
	require.NoError(t, json.Unmarshal(out.Value, &msg))
	assert.Equal(t, 4, msg.Records)
	assert.Equal(t, []string{"0", "1"}, msg.Members)
	assert.Equal(t, publishedAt, msg.PublishedAt)

	want := []domain.SummaryPoint{
		{ForecastTime: baseRun, Statistic: domain.Mean(), Value: 1005},
		{ForecastTime: baseRun, Statistic: domain.Median(), Value: 1005},
		{ForecastTime: baseRun.Add(12 * time.Hour), Statistic: domain.Mean(), Value: 998},
		{ForecastTime: baseRun.Add(12 * time.Hour), Statistic: domain.Median(), Value: 998},
	}
	if diff := cmp.Diff(want, msg.Points); diff != "" {
		t.Errorf("summary points mismatch (-want +got):\n%s", diff)
	}
}

func TestSummaryTransformer_Errors(t *testing.T) {
	file := domain.ForecastFile{Dataset: domain.DatasetGencast, Object: "x.csv"}

	t.Run("load failure", func(t *testing.T) {
		tfm := pipeline.NewTransformer(&fakeRecordLoader{err: fmt.Errorf("%w: x.csv", storage.ErrNotFound)}, []domain.Statistic{domain.Mean()}, slog.Default())
		_, err := tfm.Transform(context.Background(), file)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.NotErrorIs(t, err, pipeline.ErrRetryable)
	})

	t.Run("storage unavailable is retryable", func(t *testing.T) {
		tfm := pipeline.NewTransformer(&fakeRecordLoader{err: fmt.Errorf("%w: circuit open", storage.ErrUnavailable)}, []domain.Statistic{domain.Mean()}, slog.Default())
		_, err := tfm.Transform(context.Background(), file)
		assert.ErrorIs(t, err, pipeline.ErrRetryable)
		assert.ErrorIs(t, err, storage.ErrUnavailable)
	})

	t.Run("no records", func(t *testing.T) {
		tfm := pipeline.NewTransformer(&fakeRecordLoader{records: []domain.ForecastRecord{}}, []domain.Statistic{domain.Mean()}, slog.Default())
		_, err := tfm.Transform(context.Background(), file)
		assert.Error(t, err)
	})

	t.Run("unsupported statistic", func(t *testing.T) {
		tfm := pipeline.NewTransformer(&fakeRecordLoader{records: []domain.ForecastRecord{forecast("0", 0, 1000)}}, []domain.Statistic{domain.Percentile(120)}, slog.Default())
		_, err := tfm.Transform(context.Background(), file)
		assert.ErrorIs(t, err, domain.ErrUnsupportedStatistic)
	})
}

func TestSummaryTransformer_UpdatedFileIsResummarized(t *testing.T) {
	const object = "gencast_mslp/mslp_2023071312.csv"
	base := t.TempDir()
	path := filepath.Join(base, filepath.FromSlash(object))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	write := func(pa string) {
		content := "Sample,Datetime,Time_Step,Latitude,Longitude,MSLP\n0,2023-07-13 12:00:00,0,10,110," + pa + "\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	write("100500")

	store, err := storage.NewLocalStore(base)
	require.NoError(t, err)
	ldr := loader.New(store, ingest.DefaultRegistry(), loader.NewCache(8, time.Hour, nil), slog.Default(), observability.NewMetricsForTesting())
	tfm := pipeline.NewTransformer(ldr, []domain.Statistic{domain.Mean()}, slog.Default())

	mean := func(file domain.ForecastFile) float64 {
		t.Helper()
		out, err := tfm.Transform(context.Background(), file)
		require.NoError(t, err)
		var msg domain.SummaryMessage
		require.NoError(t, json.Unmarshal(out.Value, &msg))
		require.Len(t, msg.Points, 1)
		return msg.Points[0].Value
	}

	file := domain.ForecastFile{Dataset: domain.DatasetGencast, Object: object, Updated: baseRun.Add(time.Hour)}
	assert.InDelta(t, 1005.0, mean(file), 1e-9)

	write("99000")
	file.Updated = file.Updated.Add(time.Hour)
	assert.InDelta(t, 990.0, mean(file), 1e-9)
}
