package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/ensemble-forecast-service/internal/domain"
)

// Source binds a dataset to the prefix its tables live under.
type Source struct {
	Dataset domain.Dataset
	Prefix  string
}

// Scanner discovers forecast tables that have not been published yet. It
// implements pipeline.BatchExtractor: uncommitted files are returned again on
// the next scan, and a file whose Updated time moves forward after commit is
// treated as new.
type Scanner struct {
	store        ObjectStore
	sources      []Source
	pollInterval time.Duration
	clock        clockwork.Clock

	mu        sync.Mutex
	committed map[string]time.Time
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithClock overrides the clock used between empty polls.
func WithClock(c clockwork.Clock) ScannerOption {
	return func(s *Scanner) { s.clock = c }
}

// NewScanner creates a scanner over sources. When a scan finds nothing new
// it waits pollInterval before returning, so the caller's loop does not spin.
func NewScanner(store ObjectStore, sources []Source, pollInterval time.Duration, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		store:        store,
		sources:      sources,
		pollInterval: pollInterval,
		clock:        clockwork.NewRealClock(),
		committed:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExtractBatch returns up to batchSize unpublished files, oldest first.
func (s *Scanner) ExtractBatch(ctx context.Context, batchSize int) ([]domain.ForecastFile, error) {
	var pending []domain.ForecastFile
	for _, src := range s.sources {
		objects, err := s.store.List(ctx, src.Prefix)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", src.Dataset, err)
		}
		for _, obj := range objects {
			if !strings.HasSuffix(strings.ToLower(obj.Name), ".csv") {
				continue
			}
			file := domain.ForecastFile{Dataset: src.Dataset, Object: obj.Name, Updated: obj.Updated}
			if s.isCommitted(file) {
				continue
			}
			file.Commit = s.commitFunc(file)
			pending = append(pending, file)
		}
	}

	if len(pending) == 0 {
		return nil, s.wait(ctx)
	}

	sort.SliceStable(pending, func(i, j int) bool {
		if !pending[i].Updated.Equal(pending[j].Updated) {
			return pending[i].Updated.Before(pending[j].Updated)
		}
		return pending[i].Key() < pending[j].Key()
	})
	if batchSize > 0 && len(pending) > batchSize {
		pending = pending[:batchSize]
	}
	return pending, nil
}

// Committed reports how many files have been published so far.
func (s *Scanner) Committed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.committed)
}

func (s *Scanner) isCommitted(f domain.ForecastFile) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.committed[f.Key()]
	return ok && !f.Updated.After(at)
}

func (s *Scanner) commitFunc(f domain.ForecastFile) func(context.Context) error {
	return func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.committed[f.Key()] = f.Updated
		return nil
	}
}

func (s *Scanner) wait(ctx context.Context) error {
	if s.pollInterval <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(s.pollInterval):
		return nil
	}
}
