package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var MigrationFiles embed.FS

// migrationsTable keeps tally's schema version apart from other tools sharing the database.
const migrationsTable = "tally_schema_migrations"

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(MigrationFiles, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// RunMigrations brings the processed_files, snapshot_watermarks and aggregate tables
// up to date. With autoMigrate false it only logs the version found; the store's
// schema check then decides whether the database is usable.
func RunMigrations(db *sql.DB, autoMigrate bool) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	if dirty {
		if err := recoverDirty(m, version); err != nil {
			return err
		}
	}

	if !autoMigrate {
		slog.Info("[Migrations] Auto-migration disabled, skipping", "current_version", version, "dirty", dirty)
		return nil
	}

	slog.Info("[Migrations] Running", "current_version", version)
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("[Migrations] Schema is up to date", "version", version)
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	newVersion, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to get updated migration version: %w", err)
	}
	slog.Info("[Migrations] Completed", "from_version", version, "to_version", newVersion)
	return nil
}

// recoverDirty rolls the recorded version back by one so the interrupted migration
// runs again. Every statement is IF NOT EXISTS, so a partial apply is safe to repeat.
func recoverDirty(m *migrate.Migrate, version uint) error {
	slog.Warn("[Migrations] Database is in dirty state, re-applying interrupted version", "version", version)

	target := int(version) - 1
	if target < 1 {
		target = -1 // nil version
	}
	if err := m.Force(target); err != nil {
		return fmt.Errorf("failed to recover dirty migration state at version %d: %w", version, err)
	}
	return nil
}
