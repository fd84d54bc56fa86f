package sqlstore

import (
	"context"
	"fmt"
	"io/fs"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/migrate"

	"cadence/backend/migrations"
)

const (
	migrationsTable      = "cadence_schema_migrations"
	migrationsLocksTable = "cadence_schema_migration_locks"
)

// Migrate applies every embedded migration for the database's dialect that
// has not run yet, as one migration group. It returns the applied names.
func Migrate(ctx context.Context, db *bun.DB) ([]string, error) {
	m, err := newMigrator(db)
	if err != nil {
		return nil, err
	}
	var applied []string
	err = withLock(ctx, m, func() error {
		group, err := m.Migrate(ctx)
		if err != nil {
			return err
		}
		applied = migrationNames(group)
		return nil
	})
	return applied, err
}

// Rollback reverts the most recently applied migration group and returns the
// reverted names.
func Rollback(ctx context.Context, db *bun.DB) ([]string, error) {
	m, err := newMigrator(db)
	if err != nil {
		return nil, err
	}
	var reverted []string
	err = withLock(ctx, m, func() error {
		group, err := m.Rollback(ctx)
		if err != nil {
			return err
		}
		reverted = migrationNames(group)
		return nil
	})
	return reverted, err
}

func newMigrator(db *bun.DB) (*migrate.Migrator, error) {
	sub, err := fs.Sub(migrations.FS, migrationDir(db))
	if err != nil {
		return nil, err
	}
	all := migrate.NewMigrations()
	if err := all.Discover(sub); err != nil {
		return nil, fmt.Errorf("discover migrations: %w", err)
	}
	return migrate.NewMigrator(db, all,
		migrate.WithTableName(migrationsTable),
		migrate.WithLocksTableName(migrationsLocksTable),
	), nil
}

func withLock(ctx context.Context, m *migrate.Migrator, fn func() error) error {
	if err := m.Init(ctx); err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Lock(ctx); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer func() {
		_ = m.Unlock(ctx)
	}()
	return fn()
}

func migrationNames(group *migrate.MigrationGroup) []string {
	if group == nil || group.IsZero() {
		return nil
	}
	names := make([]string, 0, len(group.Migrations))
	for _, mig := range group.Migrations {
		names = append(names, mig.Name+"_"+mig.Comment)
	}
	return names
}

func migrationDir(db *bun.DB) string {
	if db.Dialect().Name() == dialect.SQLite {
		return BackendSQLite
	}
	return BackendPostgres
}
