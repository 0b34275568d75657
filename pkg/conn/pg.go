package conn

import (
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	defaultMaxOpenConns    = 16
	defaultMaxIdleConns    = 4
	defaultConnMaxLifetime = 30 * time.Minute
)

// Option defines connection options for the shared PostgreSQL pool. The
// idempotency index is the hot path here, so pool sizing defaults favor a
// small steady pool over burst capacity.
type Option struct {
	ConnString      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Config          *gorm.Config
}

func (opt Option) withDefaults() Option {
	if opt.MaxOpenConns <= 0 {
		opt.MaxOpenConns = defaultMaxOpenConns
	}
	if opt.MaxIdleConns <= 0 {
		opt.MaxIdleConns = defaultMaxIdleConns
	}
	if opt.ConnMaxLifetime <= 0 {
		opt.ConnMaxLifetime = defaultConnMaxLifetime
	}
	if opt.Config == nil {
		opt.Config = &gorm.Config{}
	}
	return opt
}

// Client wraps a PostgreSQL connection pool.
type Client struct {
	opt Option
	db  *gorm.DB
}

// New opens a PostgreSQL pool from the provided options.
func New(option Option) (*Client, error) {
	if option.ConnString == "" {
		return nil, errors.Errorf("postgres conn string is empty")
	}
	opt := option.withDefaults()

	db, err := gorm.Open(postgres.Open(opt.ConnString), opt.Config)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(opt.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opt.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(opt.ConnMaxLifetime)

	return &Client{opt: opt, db: db}, nil
}

// DB returns the underlying gorm.DB instance.
func (c *Client) DB() *gorm.DB {
	if c == nil {
		return nil
	}
	return c.db
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
