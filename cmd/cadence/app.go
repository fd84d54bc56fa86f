package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/uptrace/bun"

	"cadence/backend/internal/service/series"
	"cadence/backend/internal/store/memory"
	"cadence/backend/internal/store/sqlstore"
)

const backendMemory = "memory"

// storage is the open store plus whatever needs closing on exit.
type storage struct {
	store series.Store
	db    *bun.DB
}

func (s storage) Close() {
	if s.db == nil {
		return
	}
	if err := sqlstore.Close(s.db); err != nil {
		log.Warn("database close failed", slog.Any("err", err))
	}
}

// openStorage connects to the configured backend. With migrate set, pending
// migrations are applied before returning.
func openStorage(ctx context.Context, migrate bool) (storage, error) {
	if cfg.DatabaseBackend == backendMemory {
		log.Warn("using in-memory store; data is lost on exit")
		return storage{store: memory.New()}, nil
	}

	log.Info("connecting to database", databaseLogArgs(cfg.DatabaseBackend, cfg.DatabaseURL)...)
	db, err := sqlstore.Open(cfg.DatabaseBackend, cfg.DatabaseURL, sqlstore.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseBackend, cfg.DatabaseURL)...)
		log.Error("database connection failed", args...)
		return storage{}, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = sqlstore.Close(db)
		return storage{}, fmt.Errorf("ping database: %w", err)
	}

	if migrate {
		applied, err := sqlstore.Migrate(ctx, db)
		if err != nil {
			_ = sqlstore.Close(db)
			return storage{}, fmt.Errorf("migrate: %w", err)
		}
		if len(applied) > 0 {
			log.Info("migrations applied", slog.Any("versions", applied))
		}
	}
	return storage{store: sqlstore.New(db), db: db}, nil
}

func seriesConfig() series.Config {
	return series.Config{
		InitialWindowCount: cfg.InitialWindowCount,
		InitialWindowDays:  cfg.InitialWindowDays,
		HorizonDays:        cfg.HorizonDays,
		Location:           cfg.Location,
		SweepConcurrency:   cfg.SweepConcurrency,
	}
}
