package db

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// MigrationConfig configures the schema migration runner.
type MigrationConfig struct {
	Path    string
	Timeout time.Duration
}

func (c MigrationConfig) withDefaults() MigrationConfig {
	if c.Path == "" {
		c.Path = "migrations"
	}
	if c.Timeout == 0 {
		c.Timeout = time.Minute
	}
	return c
}

// Migrator applies golang-migrate migrations against the connected
// database.
type Migrator struct {
	db     *DB
	config MigrationConfig
	m      *migrate.Migrate
}

// NewMigrator builds a Migrator bound to an already-connected DB.
func NewMigrator(database *DB, cfg MigrationConfig) *Migrator {
	return &Migrator{db: database, config: cfg.withDefaults()}
}

func (m *Migrator) init() error {
	if m.m != nil {
		return nil
	}
	driver, err := postgres.WithInstance(m.db.conn.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrate: postgres driver: %w", err)
	}
	mig, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", m.config.Path), "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate: new migrator: %w", err)
	}
	m.m = mig
	return nil
}

// Up applies every pending migration, tolerating migrate.ErrNoChange.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.init(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.m.Up() }()

	select {
	case err := <-done:
		if err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migrate: up: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("migrate: timed out after %s", m.config.Timeout)
	}
}

// Down rolls back every applied migration, tolerating migrate.ErrNoChange.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.init(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.m.Down() }()

	select {
	case err := <-done:
		if err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migrate: down: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("migrate: timed out after %s", m.config.Timeout)
	}
}

// Version reports the current schema version and whether it is dirty.
func (m *Migrator) Version() (uint, bool, error) {
	if err := m.init(); err != nil {
		return 0, false, err
	}
	version, dirty, err := m.m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return 0, false, fmt.Errorf("migrate: version: %w", err)
	}
	return version, dirty, nil
}
