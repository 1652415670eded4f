// Package storage provides the object-storage backends forecast tables are
// read from, plus a circuit-breaker decorator and the change scanner that
// feeds the summary publisher.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrUnavailable is returned when the backing store cannot serve a
	// request. HTTP handlers surface it as "no data available".
	ErrUnavailable = errors.New("no data available")

	// ErrNotFound is returned when the named object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrInvalidName rejects object names that are empty or escape the
	// store's root.
	ErrInvalidName = errors.New("invalid object name")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Updated time.Time `json:"updated"`
}

// ObjectStore reads forecast tables by slash-separated object name.
type ObjectStore interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// List returns the objects whose names start with prefix, sorted by name.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Close() error
}
