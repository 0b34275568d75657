package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/glebarez/go-sqlite"
	"github.com/yanun0323/errors"

	"main/internal/schema"
	"main/pkg/exception"
)

// Store is the append-only durable event log. It is the single source of
// truth; every other component is a rebuildable projection over it.
type Store struct {
	db *sql.DB
}

// Open creates or opens the event log at the given path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}

	// FULL sync: append must be durable before the call returns.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("set pragma %s", pragma))
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			store_seq   INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id    TEXT    NOT NULL,
			order_seq   INTEGER NOT NULL,
			kind        INTEGER NOT NULL,
			version     INTEGER NOT NULL,
			correlation TEXT    NOT NULL DEFAULT '',
			adapter     TEXT    NOT NULL DEFAULT '',
			ts          INTEGER NOT NULL,
			payload     BLOB    NOT NULL,
			UNIQUE(order_id, order_seq)
		);
	`); err != nil {
		return nil, errors.Wrap(err, "create events table")
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS idempotency (
			client_id       TEXT    NOT NULL,
			client_order_id TEXT    NOT NULL,
			order_id        TEXT    NOT NULL,
			created_at      INTEGER NOT NULL,
			expires_at      INTEGER NOT NULL,
			PRIMARY KEY(client_id, client_order_id)
		);
	`); err != nil {
		return nil, errors.Wrap(err, "create idempotency table")
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for sibling tables in the same file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append durably appends one event to its order stream.
//
// expectedVersion is the number of events already in the stream; a mismatch
// means a concurrent writer raced ahead and the append fails with
// exception.ErrConflict. The returned event carries the assigned store and
// order sequence numbers.
func (s *Store) Append(ctx context.Context, ev schema.Event, expectedVersion uint64) (schema.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.Event{}, errors.Wrap(exception.ErrStoreUnavailable, err.Error())
	}
	defer tx.Rollback()

	var current uint64
	row := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(order_seq), 0) FROM events WHERE order_id = ?", ev.OrderID)
	if err := row.Scan(&current); err != nil {
		return schema.Event{}, errors.Wrap(exception.ErrStoreUnavailable, err.Error())
	}
	if current != expectedVersion {
		return schema.Event{}, errors.Wrap(exception.ErrConflict,
			fmt.Sprintf("order %s at version %d, expected %d", ev.OrderID, current, expectedVersion))
	}

	ev.OrderSeq = current + 1
	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (order_id, order_seq, kind, version, correlation, adapter, ts, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.OrderID, ev.OrderSeq, ev.Kind, ev.Version, ev.Correlation, ev.AdapterID, ev.At, ev.Payload,
	)
	if err != nil {
		// a concurrent writer that passed the version check first
		// surfaces here as a unique violation on (order_id, order_seq)
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return schema.Event{}, errors.Wrap(exception.ErrConflict, err.Error())
		}
		return schema.Event{}, errors.Wrap(exception.ErrStoreUnavailable, err.Error())
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return schema.Event{}, errors.Wrap(exception.ErrStoreUnavailable, err.Error())
	}
	if err := tx.Commit(); err != nil {
		return schema.Event{}, errors.Wrap(exception.ErrStoreUnavailable, err.Error())
	}

	ev.StoreSeq = uint64(seq)
	return ev, nil
}

// OrderVersion returns the number of events in an order stream.
func (s *Store) OrderVersion(ctx context.Context, orderID string) (uint64, error) {
	var current uint64
	row := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(order_seq), 0) FROM events WHERE order_id = ?", orderID)
	if err := row.Scan(&current); err != nil {
		return 0, errors.Wrap(exception.ErrStoreUnavailable, err.Error())
	}
	return current, nil
}

// ReadOrder returns the full ordered event stream of one order.
func (s *Store) ReadOrder(ctx context.Context, orderID string) ([]schema.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT store_seq, order_id, order_seq, kind, version, correlation, adapter, ts, payload
		FROM events WHERE order_id = ? ORDER BY order_seq`, orderID)
	if err != nil {
		return nil, errors.Wrap(exception.ErrStoreUnavailable, err.Error())
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ReadSince returns up to limit events with store_seq greater than since,
// in store order. Consumers restart from the last sequence they processed.
func (s *Store) ReadSince(ctx context.Context, since uint64, limit int) ([]schema.Event, error) {
	if limit <= 0 {
		limit = 1024
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT store_seq, order_id, order_seq, kind, version, correlation, adapter, ts, payload
		FROM events WHERE store_seq > ? ORDER BY store_seq LIMIT ?`, since, limit)
	if err != nil {
		return nil, errors.Wrap(exception.ErrStoreUnavailable, err.Error())
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LastSeq returns the highest store sequence, or 0 when the log is empty.
func (s *Store) LastSeq(ctx context.Context) (uint64, error) {
	var last sql.NullInt64
	row := s.db.QueryRowContext(ctx, "SELECT MAX(store_seq) FROM events")
	if err := row.Scan(&last); err != nil {
		return 0, errors.Wrap(exception.ErrStoreUnavailable, err.Error())
	}
	if !last.Valid {
		return 0, nil
	}
	return uint64(last.Int64), nil
}

func scanEvents(rows *sql.Rows) ([]schema.Event, error) {
	var out []schema.Event
	for rows.Next() {
		var ev schema.Event
		if err := rows.Scan(&ev.StoreSeq, &ev.OrderID, &ev.OrderSeq, &ev.Kind,
			&ev.Version, &ev.Correlation, &ev.AdapterID, &ev.At, &ev.Payload); err != nil {
			return nil, errors.Wrap(exception.ErrStoreUnavailable, err.Error())
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(exception.ErrStoreUnavailable, err.Error())
	}
	return out, nil
}
