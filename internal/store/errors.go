package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a point read that matched nothing.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable marks a store call that failed or timed out. Writers
	// must treat it as "the transition did not happen"; readers degrade.
	ErrUnavailable = errors.New("store_unavailable")

	// ErrConflict marks a mutation attempted against a row that is no
	// longer in an eligible state.
	ErrConflict = errors.New("conflict")
)

// classify folds driver and context errors into the adapter's taxonomy.
// sql.ErrNoRows stays the caller's concern.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Degraded reports whether a read error should be surfaced as a
// graph_unavailable warning instead of a failure.
func Degraded(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
