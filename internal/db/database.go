// Package db provides the Postgres connection, transaction helper and
// migration runner shared by every component of the indexing core.
package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"

	"github.com/developer-mesh/hybrid-indexer/internal/config"
	"github.com/developer-mesh/hybrid-indexer/internal/observability"
)

// DB wraps a sqlx connection pool with the transaction helper the
// queue, document, and embedding stores build on.
type DB struct {
	conn   *sqlx.DB
	logger observability.Logger
}

// sanitizeDSN removes credentials from a DSN before it is logged.
func sanitizeDSN(dsn string) string {
	if strings.Contains(dsn, "password=") {
		parts := strings.Split(dsn, " ")
		for i, part := range parts {
			if strings.HasPrefix(part, "password=") {
				parts[i] = "password=***"
			}
		}
		return strings.Join(parts, " ")
	}
	if idx := strings.Index(dsn, "://"); idx != -1 {
		if at := strings.Index(dsn[idx:], "@"); at != -1 {
			return dsn[:idx+3] + "***:***" + dsn[idx+at:]
		}
	}
	return dsn
}

// New wraps an already-open sqlx connection, for callers that manage
// the pool themselves (tests wiring in a sqlmock connection).
func New(conn *sqlx.DB, logger observability.Logger) *DB {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &DB{conn: conn, logger: logger}
}

// Connect opens a Postgres connection pool per cfg and tunes it.
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger observability.Logger) (*DB, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database: DSN is required")
	}

	logger.Info("connecting to database", map[string]interface{}{"dsn": sanitizeDSN(cfg.DSN)})

	conn, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("database: connect failed: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	return &DB{conn: conn, logger: logger}, nil
}

// Conn returns the underlying sqlx connection pool.
func (d *DB) Conn() *sqlx.DB { return d.conn }

// Close closes the connection pool.
func (d *DB) Close() error { return d.conn.Close() }

// Ping checks connectivity.
func (d *DB) Ping(ctx context.Context) error { return d.conn.PingContext(ctx) }

// Transaction runs fn inside a transaction, rolling back on error or
// panic (re-thrown after rollback) and committing otherwise.
func (d *DB) Transaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := d.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database: begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			d.logger.Error("transaction rollback failed", map[string]interface{}{
				"rollback_error": rbErr.Error(),
				"original_error": err.Error(),
			})
		}
		return err
	}

	return tx.Commit()
}

// WaitReady polls the database until it accepts connections or ctx
// expires, backing off between attempts. Used at startup so the
// indexer/searcher/worker/evaluate binaries can come up before the
// database accepts connections; it does not wait for migrations.
func WaitReady(ctx context.Context, cfg config.DatabaseConfig, logger observability.Logger) (*DB, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	const maxAttempts = 10
	delay := 500 * time.Millisecond

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		database, err := Connect(ctx, cfg, logger)
		if err == nil {
			if pingErr := database.Ping(ctx); pingErr == nil {
				return database, nil
			} else {
				lastErr = pingErr
				_ = database.Close()
			}
		} else {
			lastErr = err
		}

		logger.Warn("database not ready, retrying", map[string]interface{}{
			"attempt": attempt, "max_attempts": maxAttempts, "error": lastErr.Error(),
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}

	return nil, fmt.Errorf("database: not ready after %d attempts: %w", maxAttempts, lastErr)
}
