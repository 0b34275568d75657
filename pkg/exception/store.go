package exception

import "errors"

var (
	// ErrConflict signals an idempotency or optimistic-concurrency collision.
	// Callers resolve it by returning the existing order.
	ErrConflict = errors.New("store: version conflict")
	// ErrStoreUnavailable is fatal for new submissions. The system fails
	// closed rather than skipping dedup or durability.
	ErrStoreUnavailable = errors.New("store: unavailable")
)
