package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings tunes the circuit breaker around a store.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold uint32
	// Timeout is how long the circuit stays open before a trial request.
	Timeout time.Duration
}

// BreakerStore guards an ObjectStore with a circuit breaker. Backend failures
// and an open circuit both surface as ErrUnavailable; missing objects and
// invalid names pass through and do not count against the backend.
// Requests are never retried here.
type BreakerStore struct {
	inner   ObjectStore
	breaker *gobreaker.CircuitBreaker
}

var _ ObjectStore = (*BreakerStore)(nil)

// NewBreakerStore wraps inner with a circuit breaker.
func NewBreakerStore(inner ObjectStore, settings BreakerSettings, logger *slog.Logger) *BreakerStore {
	threshold := settings.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "object-store",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidName) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("storage circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &BreakerStore{inner: inner, breaker: cb}
}

// Open reads the whole object inside the breaker, so a body that fails
// mid-stream counts as a backend failure. Forecast tables fit in memory.
func (s *BreakerStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		rc, err := s.inner.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return data, nil
	})
	if err != nil {
		return nil, s.classify(err)
	}
	data, ok := result.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected result type from circuit breaker", ErrUnavailable)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *BreakerStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.inner.List(ctx, prefix)
	})
	if err != nil {
		return nil, s.classify(err)
	}
	objects, ok := result.([]ObjectInfo)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected result type from circuit breaker", ErrUnavailable)
	}
	return objects, nil
}

func (s *BreakerStore) Close() error {
	return s.inner.Close()
}

// State reports the breaker state, for readiness and logging.
func (s *BreakerStore) State() gobreaker.State {
	return s.breaker.State()
}

// CheckReadiness fails while the circuit is open.
func (s *BreakerStore) CheckReadiness(_ context.Context) error {
	if s.breaker.State() == gobreaker.StateOpen {
		return fmt.Errorf("%w: storage circuit open", ErrUnavailable)
	}
	return nil
}

func (s *BreakerStore) classify(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidName), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: circuit open", ErrUnavailable)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
