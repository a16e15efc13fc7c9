package storage

import (
	"context"

	"github.com/Tryliate/Tryliate-sub001/migrations"
	"github.com/Tryliate/Tryliate-sub001/pkg/storage"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
)

// InitStore connects to dbConnStr and makes sure the schema is in place.
func InitStore(ctx context.Context, dbConnStr string, opts ...storage.Option) (*PostgresStore, error) {
	store, err := NewPostgresStore(dbConnStr, opts...)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func newMigrator(connStr string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, errors.Wrap(err, "open migrations")
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, connStr)
	if err != nil {
		return nil, errors.Wrap(err, "init migrations")
	}
	return m, nil
}

// MigrateUp applies every embedded migration not yet applied.
func MigrateUp(connStr string) error {
	m, err := newMigrator(connStr)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

// MigrateDown rolls back steps migrations.
func MigrateDown(connStr string, steps int) error {
	if steps <= 0 {
		return errors.New("steps must be positive")
	}
	m, err := newMigrator(connStr)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "roll back migrations")
	}
	return nil
}

// MigrationVersion reports the applied schema version. Version 0 means no
// migration has run.
func MigrationVersion(connStr string) (uint, bool, error) {
	m, err := newMigrator(connStr)
	if err != nil {
		return 0, false, err
	}
	defer m.Close()
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "read migration version")
	}
	return v, dirty, nil
}
