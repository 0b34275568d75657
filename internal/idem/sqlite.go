package idem

import (
	"context"
	"database/sql"
	"time"

	"github.com/yanun0323/errors"

	"main/pkg/exception"
)

// SQLiteIndex persists idempotency entries in the event log database file,
// so dedup state and the log share one durability domain.
type SQLiteIndex struct {
	db  *sql.DB
	ttl time.Duration
}

// NewSQLiteIndex wraps the event store handle. The idempotency table is
// created by the store on open.
func NewSQLiteIndex(db *sql.DB, ttl time.Duration) *SQLiteIndex {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SQLiteIndex{db: db, ttl: ttl}
}

// Reserve binds the key to orderID unless a live entry already exists.
// The claim is a single upsert, so concurrent reservations for the same key
// resolve to exactly one winner; an expired entry is reusable by design.
func (i *SQLiteIndex) Reserve(ctx context.Context, key Key, orderID string, now time.Time) (Reservation, error) {
	_, err := i.db.ExecContext(ctx, `
		INSERT INTO idempotency (client_id, client_order_id, order_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(client_id, client_order_id) DO UPDATE SET
			order_id = excluded.order_id,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		WHERE idempotency.expires_at <= ?`,
		key.ClientID, key.ClientOrderID, orderID, now.UnixNano(), now.Add(i.ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return Reservation{}, errors.Wrap(exception.ErrStoreUnavailable, err.Error())
	}

	var bound string
	row := i.db.QueryRowContext(ctx,
		"SELECT order_id FROM idempotency WHERE client_id = ? AND client_order_id = ?",
		key.ClientID, key.ClientOrderID)
	if err := row.Scan(&bound); err != nil {
		return Reservation{}, errors.Wrap(exception.ErrStoreUnavailable, err.Error())
	}
	return Reservation{OrderID: bound, Existing: bound != orderID}, nil
}

// Lookup returns the bound order id for a live key.
func (i *SQLiteIndex) Lookup(ctx context.Context, key Key, now time.Time) (string, bool, error) {
	var orderID string
	var expiresAt int64
	row := i.db.QueryRowContext(ctx,
		"SELECT order_id, expires_at FROM idempotency WHERE client_id = ? AND client_order_id = ?",
		key.ClientID, key.ClientOrderID)
	err := row.Scan(&orderID, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(exception.ErrStoreUnavailable, err.Error())
	}
	if expiresAt <= now.UnixNano() {
		return "", false, nil
	}
	return orderID, true, nil
}

// Release unbinds the key when it is still bound to orderID.
func (i *SQLiteIndex) Release(ctx context.Context, key Key, orderID string) error {
	_, err := i.db.ExecContext(ctx,
		"DELETE FROM idempotency WHERE client_id = ? AND client_order_id = ? AND order_id = ?",
		key.ClientID, key.ClientOrderID, orderID)
	if err != nil {
		return errors.Wrap(exception.ErrStoreUnavailable, err.Error())
	}
	return nil
}

// PurgeExpired deletes entries past their expiry.
func (i *SQLiteIndex) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := i.db.ExecContext(ctx, "DELETE FROM idempotency WHERE expires_at <= ?", now.UnixNano())
	if err != nil {
		return 0, errors.Wrap(exception.ErrStoreUnavailable, err.Error())
	}
	return res.RowsAffected()
}
