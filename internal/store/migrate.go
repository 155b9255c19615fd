package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/imclient/internal/store/migrations"
)

// Schema reports the schema version before and after Migrate.
type Schema struct {
	From uint
	To   uint
}

// Changed reports whether Migrate applied any step.
func (s Schema) Changed() bool {
	return s.From != s.To
}

// Migrate applies every embedded migration newer than the current schema.
// A schema left dirty by an interrupted run is reported, not repaired.
func (db *DB) Migrate() (Schema, error) {
	m, err := db.migrator()
	if err != nil {
		return Schema{}, err
	}

	from, err := schemaVersion(m)
	if err != nil {
		return Schema{}, err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return Schema{From: from}, fmt.Errorf("store: migrate from version %d: %w", from, err)
	}
	to, err := schemaVersion(m)
	if err != nil {
		return Schema{From: from}, err
	}
	return Schema{From: from, To: to}, nil
}

func (db *DB) migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("store: migrations: %w", err)
	}
	drv, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	if err != nil {
		return nil, fmt.Errorf("store: migrator: %w", err)
	}
	return m, nil
}

// schemaVersion returns the applied version, 0 for an empty database.
func schemaVersion(m *migrate.Migrate) (uint, error) {
	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("store: schema version: %w", err)
	case dirty:
		return v, fmt.Errorf("store: schema version %d is dirty", v)
	}
	return v, nil
}
