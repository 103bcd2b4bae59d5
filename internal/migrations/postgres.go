// Package migrations applies the embedded schema to the relay's Postgres
// database through golang-migrate.
package migrations

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

func newMigrator(db *sql.DB) (*migrate.Migrate, func(), error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres driver: %w", err)
	}
	src, err := iofs.New(sqlMigrations, "sql")
	if err != nil {
		return nil, nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, nil, fmt.Errorf("build migrator: %w", err)
	}
	cleanup := func() { m.Close() }
	return m, cleanup, nil
}

// PostgresUp applies every pending migration; an already-current schema is
// not an error.
func PostgresUp(db *sql.DB) error {
	m, cleanup, err := newMigrator(db)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// PostgresDown rolls back steps migrations, at least one.
func PostgresDown(db *sql.DB, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	m, cleanup, err := newMigrator(db)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("roll back migrations: %w", err)
	}
	return nil
}

// PostgresVersion reports the applied schema version; a fresh database
// reports version 0 without error.
func PostgresVersion(db *sql.DB) (uint, bool, error) {
	m, cleanup, err := newMigrator(db)
	if err != nil {
		return 0, false, err
	}
	defer cleanup()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, dirty, fmt.Errorf("read migration version: %w", err)
	}
	return version, dirty, nil
}
