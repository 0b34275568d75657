package idem

import (
	"context"
	"time"
)

// Key identifies one logical submission. ClientOrderID defaults to the
// caller-supplied idempotency key when the client did not send one.
type Key struct {
	ClientID      string
	ClientOrderID string
}

// Reservation is the outcome of Reserve. When Existing is true the key was
// already bound and OrderID is the original order; the caller must not start
// a new event chain.
type Reservation struct {
	OrderID  string
	Existing bool
}

// Index maps a submission key to exactly one internal order id.
//
// Reserve is atomic: concurrent reservations for the same key resolve to one
// winner, and losers observe the winner's order id. Entries expire after the
// TTL, after which the same key is intentionally treated as a new order.
// When the backing store is unavailable implementations fail closed with
// exception.ErrStoreUnavailable; duplicate financial orders are a worse
// failure than temporary unavailability.
type Index interface {
	Reserve(ctx context.Context, key Key, orderID string, now time.Time) (Reservation, error)
	Lookup(ctx context.Context, key Key, now time.Time) (string, bool, error)
	// Release unbinds a key from the given order id, for submissions that
	// failed before any event persisted. A no-op when the key is bound to
	// a different order.
	Release(ctx context.Context, key Key, orderID string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// DefaultTTL bounds idempotency retention. It is deliberately much larger
// than any realistic client retry/backoff window.
const DefaultTTL = 24 * time.Hour
