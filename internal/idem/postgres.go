package idem

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"main/pkg/conn"
	"main/pkg/exception"
)

// Entry is the persisted idempotency record for shared deployments where
// several instances must agree on the winner.
type Entry struct {
	ClientID      string `gorm:"primaryKey;column:client_id"`
	ClientOrderID string `gorm:"primaryKey;column:client_order_id"`
	OrderID       string `gorm:"column:order_id;not null"`
	CreatedAt     int64  `gorm:"column:created_at;not null"`
	ExpiresAt     int64  `gorm:"column:expires_at;not null;index"`
}

// TableName sets the idempotency table name.
func (Entry) TableName() string {
	return "idempotency_entries"
}

// PostgresIndex is an Index backed by a shared PostgreSQL instance.
type PostgresIndex struct {
	client *conn.Client
	ttl    time.Duration
}

// NewPostgresIndex migrates the entry table and returns the index.
func NewPostgresIndex(client *conn.Client, ttl time.Duration) (*PostgresIndex, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := client.DB().AutoMigrate(&Entry{}); err != nil {
		return nil, errors.Wrap(exception.ErrStoreUnavailable, err.Error())
	}
	return &PostgresIndex{client: client, ttl: ttl}, nil
}

// Reserve binds the key to orderID unless a live entry already exists.
func (i *PostgresIndex) Reserve(ctx context.Context, key Key, orderID string, now time.Time) (Reservation, error) {
	entry := Entry{
		ClientID:      key.ClientID,
		ClientOrderID: key.ClientOrderID,
		OrderID:       orderID,
		CreatedAt:     now.UnixNano(),
		ExpiresAt:     now.Add(i.ttl).UnixNano(),
	}
	err := i.client.DB().WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "client_id"}, {Name: "client_order_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"order_id":   orderID,
			"created_at": entry.CreatedAt,
			"expires_at": entry.ExpiresAt,
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Lte{Column: clause.Column{Table: "idempotency_entries", Name: "expires_at"}, Value: now.UnixNano()},
		}},
	}).Create(&entry).Error
	if err != nil {
		return Reservation{}, errors.Wrap(exception.ErrStoreUnavailable, err.Error())
	}

	var bound Entry
	err = i.client.DB().WithContext(ctx).
		Where("client_id = ? AND client_order_id = ?", key.ClientID, key.ClientOrderID).
		Take(&bound).Error
	if err != nil {
		return Reservation{}, errors.Wrap(exception.ErrStoreUnavailable, err.Error())
	}
	return Reservation{OrderID: bound.OrderID, Existing: bound.OrderID != orderID}, nil
}

// Lookup returns the bound order id for a live key.
func (i *PostgresIndex) Lookup(ctx context.Context, key Key, now time.Time) (string, bool, error) {
	var bound Entry
	err := i.client.DB().WithContext(ctx).
		Where("client_id = ? AND client_order_id = ? AND expires_at > ?",
			key.ClientID, key.ClientOrderID, now.UnixNano()).
		Take(&bound).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(exception.ErrStoreUnavailable, err.Error())
	}
	return bound.OrderID, true, nil
}

// Release unbinds the key when it is still bound to orderID.
func (i *PostgresIndex) Release(ctx context.Context, key Key, orderID string) error {
	res := i.client.DB().WithContext(ctx).
		Where("client_id = ? AND client_order_id = ? AND order_id = ?",
			key.ClientID, key.ClientOrderID, orderID).
		Delete(&Entry{})
	if res.Error != nil {
		return errors.Wrap(exception.ErrStoreUnavailable, res.Error.Error())
	}
	return nil
}

// PurgeExpired deletes entries past their expiry.
func (i *PostgresIndex) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := i.client.DB().WithContext(ctx).
		Where("expires_at <= ?", now.UnixNano()).
		Delete(&Entry{})
	if res.Error != nil {
		return 0, errors.Wrap(exception.ErrStoreUnavailable, res.Error.Error())
	}
	return res.RowsAffected, nil
}
