package domain

import "errors"

// Error kinds raised by the decision engines and their stores. None of them is
// retried internally; ErrConcurrentModification is the one callers may retry
// after re-reading registry state.
var (
	ErrNotFound               = errors.New("not found")
	ErrNoRollbackTarget       = errors.New("no rollback target")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrIncompleteMetrics      = errors.New("incomplete metrics")
)
