package sqlstore

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"
)

const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open connects to postgres through pgx or to sqlite through modernc.
// sqlite is pinned to a single connection, which also serializes writers.
func Open(backend, databaseURL string, pool PoolConfig) (*bun.DB, error) {
	driver := "pgx"
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendPostgres:
	case BackendSQLite:
		driver = "sqlite"
		pool.MaxOpenConns = 1
		pool.MaxIdleConns = 1
		pool.ConnMaxLifetime = 0
		pool.ConnMaxIdleTime = 0
	default:
		return nil, fmt.Errorf("unsupported database backend %q", backend)
	}

	sqlDB, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, err
	}

	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if pool.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if driver == "sqlite" {
		if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		return bun.NewDB(sqlDB, sqlitedialect.New()), nil
	}
	return bun.NewDB(sqlDB, pgdialect.New()), nil
}

func Close(db *bun.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
