package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRecord marks a malformed or incomplete input row. Callers drop
	// or flag the row and keep the rest of the batch.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrUnsupportedStatistic rejects a statistics request naming an unknown
	// aggregate.
	ErrUnsupportedStatistic = errors.New("unsupported statistic")

	// ErrInsufficientPoints signals that a trajectory has fewer than two
	// distinct forecast times and cannot be drawn as a line.
	ErrInsufficientPoints = errors.New("insufficient points")
)

func invalidRecord(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}
