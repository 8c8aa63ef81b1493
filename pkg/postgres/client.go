// Package postgres opens the lib/pq connection pool behind the dead-letter
// store and classifies driver errors into the pipeline's error kinds.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/pkg/resilience"
	"github.com/lib/pq"
)

type Client struct {
	db *sql.DB
}

// New opens the pool and waits for the server to answer, retrying briefly
// while it starts up.
func New(ctx context.Context, cfg config.PostgresConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	err = resilience.Retry(ctx, "postgres ping", resilience.RetryConfig{
		MaxAttempts: 3,
		Backoff:     resilience.Backoff{Initial: 500 * time.Millisecond, Multiplier: 2},
	}, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		db.Close()
		return nil, classify(fmt.Errorf("connecting to postgres at %s:%d: %w", cfg.Host, cfg.Port, err))
	}
	return &Client{db: db}, nil
}

func (c *Client) Close() error { return c.db.Close() }

func (c *Client) Ping(ctx context.Context) error {
	return classify(c.db.PingContext(ctx))
}

func (c *Client) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := c.db.ExecContext(ctx, query, args...)
	return res, classify(err)
}

func (c *Client) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	return rows, classify(err)
}

// Migrate applies statements in one transaction. They must be idempotent.
func (c *Client) Migrate(ctx context.Context, statements ...string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("beginning migration: %w", err))
	}
	defer tx.Rollback()
	for i, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return classify(fmt.Errorf("migration statement %d: %w", i+1, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("committing migration: %w", err))
	}
	return nil
}

// classify marks connection-level failures with apperrors.ErrStoreUnavailable
// so callers can treat them as transient.
func classify(err error) error {
	if err == nil || errors.Is(err, apperrors.ErrStoreUnavailable) {
		return err
	}
	var pqErr *pq.Error
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, context.DeadlineExceeded):
	case errors.As(err, &pqErr):
		// 08: connection exception, 53: insufficient resources,
		// 57: operator intervention such as admin shutdown.
		switch pqErr.Code.Class() {
		case "08", "53", "57":
		default:
			return err
		}
	default:
		return err
	}
	return fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
}
