package loader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/ensemble-forecast-service/internal/adapter/storage"
	"github.com/couchcryptid/ensemble-forecast-service/internal/domain"
	"github.com/couchcryptid/ensemble-forecast-service/internal/ingest"
	"github.com/couchcryptid/ensemble-forecast-service/internal/observability"
)

const (
	gencastObject = "gencast_mslp/mslp_2023071312.csv"
	ifsObject     = "ifs_mslp/track_2023071312.csv"
)

const gencastTable = `Sample,Datetime,Time_Step,Latitude,Longitude,MSLP
0,2023-07-13 12:00:00,0,10,110,100500
1,2023-07-13 12:00:00,0,10.2,110.1,100300
0,2023-07-13 12:00:00,1,10.8,111,100100
bad,2023-07-13 12:00:00,x,10,110,100000
`

const ifsTable = `Init_Time,Valid_Time,Latitude,Longitude,Min_MSLP
2023071312,2023071312,10,110,1004.0
`

// countingStore records how often the backend is opened.
type countingStore struct {
	storage.ObjectStore
	opens atomic.Int32
}

func (s *countingStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	s.opens.Add(1)
	return s.ObjectStore.Open(ctx, name)
}

// gatedStore holds every Open until release is closed or ctx ends.
type gatedStore struct {
	storage.ObjectStore
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	select {
	case <-s.release:
		return s.ObjectStore.Open(ctx, name)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// failingBodyStore serves bodies that break after their first bytes.
type failingBodyStore struct {
	storage.ObjectStore
}

func (s failingBodyStore) Open(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(io.MultiReader(
		strings.NewReader("Sample,Datetime,Time_Step,Latitude,Longitude,MSLP\n"),
		iotest.ErrReader(errors.New("stream reset")),
	)), nil
}

func writeObject(t *testing.T, base, name, content string) {
	t.Helper()
	path := filepath.Join(base, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func newTestLoader(t *testing.T, ttlClock clockwork.Clock) (*Loader, *countingStore, *observability.Metrics) {
	t.Helper()
	base := t.TempDir()
	for name, content := range map[string]string{gencastObject: gencastTable, ifsObject: ifsTable, "gencast_mslp/broken.csv": "Sample,MSLP\n0,1\n"} {
		path := filepath.Join(base, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	local, err := storage.NewLocalStore(base)
	require.NoError(t, err)

	store := &countingStore{ObjectStore: local}
	metrics := observability.NewMetricsForTesting()
	l := New(store, ingest.DefaultRegistry(), NewCache(8, 0, ttlClock), slog.Default(), metrics)
	return l, store, metrics
}

func TestLoader_Load(t *testing.T) {
	l, store, metrics := newTestLoader(t, nil)
	ctx := context.Background()

	recs, err := l.Load(ctx, domain.DatasetGencast, gencastObject)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.InDelta(t, 1005.0, recs[0].Pressure, 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RowsRejected.WithLabelValues("gencast")))

	again, err := l.Load(ctx, domain.DatasetGencast, gencastObject)
	require.NoError(t, err)
	assert.Len(t, again, 3)
	assert.Equal(t, int32(1), store.opens.Load(), "second load should be served from cache")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("miss")))

	l.Invalidate(Key{Dataset: domain.DatasetGencast, Object: gencastObject})
	_, err = l.Load(ctx, domain.DatasetGencast, gencastObject)
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.opens.Load())
}

func TestLoader_LoadErrors(t *testing.T) {
	l, _, _ := newTestLoader(t, nil)
	ctx := context.Background()

	_, err := l.Load(ctx, "era5", gencastObject)
	assert.True(t, errors.Is(err, ErrUnknownDataset))

	_, err = l.Load(ctx, domain.DatasetGencast, "gencast_mslp/missing.csv")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	_, err = l.Load(ctx, domain.DatasetGencast, "gencast_mslp/broken.csv")
	assert.True(t, errors.Is(err, ErrMalformedTable))
}

func TestLoader_LoadMany(t *testing.T) {
	l, _, _ := newTestLoader(t, nil)

	recs, err := l.LoadMany(context.Background(), []Key{
		{Dataset: domain.DatasetIFS, Object: ifsObject},
		{Dataset: domain.DatasetGencast, Object: gencastObject},
	})
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, domain.DatasetIFS, recs[0].Dataset)
	assert.Equal(t, domain.DeterministicEnsembleID, recs[0].EnsembleID)
	assert.Equal(t, domain.DatasetGencast, recs[1].Dataset)

	_, err = l.LoadMany(context.Background(), []Key{{Dataset: domain.DatasetGencast, Object: "nope.csv"}})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestLoader_List(t *testing.T) {
	l, _, _ := newTestLoader(t, nil)

	objects, err := l.List(context.Background(), domain.DatasetGencast)
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "gencast_mslp/broken.csv", objects[0].Name)

	_, err = l.List(context.Background(), "era5")
	assert.True(t, errors.Is(err, ErrUnknownDataset))
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("gencast:" + gencastObject)
	require.NoError(t, err)
	assert.Equal(t, Key{Dataset: domain.DatasetGencast, Object: gencastObject}, k)
	assert.Equal(t, "gencast:"+gencastObject, k.String())

	for _, bad := range []string{"", "gencast", ":x", "gencast:"} {
		_, err := ParseKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestLoader_LoadFileRereadsUpdatedObject(t *testing.T) {
	base := t.TempDir()
	writeObject(t, base, gencastObject, "Sample,Datetime,Time_Step,Latitude,Longitude,MSLP\n0,2023-07-13 12:00:00,0,10,110,100500\n")
	local, err := storage.NewLocalStore(base)
	require.NoError(t, err)
	metrics := observability.NewMetricsForTesting()
	l := New(local, ingest.DefaultRegistry(), NewCache(8, time.Hour, nil), slog.Default(), metrics)
	ctx := context.Background()

	v1 := time.Date(2023, time.July, 13, 13, 0, 0, 0, time.UTC)
	file := domain.ForecastFile{Dataset: domain.DatasetGencast, Object: gencastObject, Updated: v1}
	recs, err := l.LoadFile(ctx, file)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.InDelta(t, 1005.0, recs[0].Pressure, 1e-9)

	writeObject(t, base, gencastObject, "Sample,Datetime,Time_Step,Latitude,Longitude,MSLP\n0,2023-07-13 12:00:00,0,10,110,99000\n")

	recs, err = l.LoadFile(ctx, file)
	require.NoError(t, err)
	assert.InDelta(t, 1005.0, recs[0].Pressure, 1e-9, "same version is served from cache")

	file.Updated = v1.Add(time.Hour)
	recs, err = l.LoadFile(ctx, file)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.InDelta(t, 990.0, recs[0].Pressure, 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("stale")))
}

func TestLoader_SharedFetchSurvivesCallerCancel(t *testing.T) {
	_, counting, _ := newTestLoader(t, nil)
	gate := &gatedStore{ObjectStore: counting, entered: make(chan struct{}, 1), release: make(chan struct{})}
	l := New(gate, ingest.DefaultRegistry(), NewCache(8, 0, nil), slog.Default(), observability.NewMetricsForTesting())

	ctx1, cancel1 := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := l.Load(ctx1, domain.DatasetGencast, gencastObject)
		first <- err
	}()
	<-gate.entered

	type result struct {
		recs []domain.ForecastRecord
		err  error
	}
	second := make(chan result, 1)
	go func() {
		recs, err := l.Load(context.Background(), domain.DatasetGencast, gencastObject)
		second <- result{recs, err}
	}()

	cancel1()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(gate.release)
	got := <-second
	require.NoError(t, got.err)
	assert.Len(t, got.recs, 3)
}

func TestLoader_BodyReadFailureIsUnavailable(t *testing.T) {
	_, counting, _ := newTestLoader(t, nil)
	l := New(failingBodyStore{counting}, ingest.DefaultRegistry(), NewCache(8, 0, nil), slog.Default(), observability.NewMetricsForTesting())

	_, err := l.Load(context.Background(), domain.DatasetGencast, gencastObject)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.NotErrorIs(t, err, ErrMalformedTable)
	assert.Contains(t, err.Error(), "stream reset")
}
