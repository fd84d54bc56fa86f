package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"cadence/backend/internal/domain"
	"cadence/backend/internal/store"
)

// Store implements the series and instance contracts on postgres or sqlite.
type Store struct {
	db       *bun.DB
	advisory bool
}

func New(db *bun.DB) *Store {
	return &Store{db: db, advisory: db.Dialect().Name() == dialect.PG}
}

type seriesTx struct {
	tx bun.Tx
}

func (s *Store) CreateSeries(ctx context.Context, series domain.RecurringSeries, instances []domain.BookingInstance) (domain.RecurringSeries, []domain.BookingInstance, error) {
	var outInstances []domain.BookingInstance
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(&series).Exec(ctx); err != nil {
			return mapWriteError(err)
		}
		for i := range instances {
			instances[i].SeriesID = series.ID
		}
		out, err := seriesTx{tx: tx}.InsertInstances(ctx, instances)
		if err != nil {
			return err
		}
		outInstances = out
		return nil
	})
	if err != nil {
		return domain.RecurringSeries{}, nil, err
	}
	normalizeSeries(&series)
	return series, outInstances, nil
}

func (s *Store) GetSeries(ctx context.Context, seriesID uuid.UUID) (domain.RecurringSeries, error) {
	return getSeries(ctx, s.db, seriesID)
}

func (s *Store) ListSeriesIDs(ctx context.Context, status domain.SeriesStatus) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	q := s.db.NewSelect().
		Model((*domain.RecurringSeries)(nil)).
		Column("id").
		OrderExpr("created_at ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Scan(ctx, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) InSeriesTransaction(ctx context.Context, seriesID uuid.UUID, fn func(ctx context.Context, tx store.SeriesTx) error) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if s.advisory {
			if err := lockSeries(ctx, tx, seriesID); err != nil {
				return err
			}
		}
		return fn(ctx, seriesTx{tx: tx})
	})
}

// lockSeries takes a transaction-scoped advisory lock on postgres. sqlite runs
// on a single connection, so its transactions are already serialized.
func lockSeries(ctx context.Context, tx bun.Tx, seriesID uuid.UUID) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", seriesID.String()).Exec(ctx)
	return err
}

func (s *Store) GetInstance(ctx context.Context, instanceID uuid.UUID) (domain.BookingInstance, error) {
	var inst domain.BookingInstance
	err := s.db.NewSelect().
		Model(&inst).
		Where("id = ?", instanceID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.BookingInstance{}, store.ErrNotFound
		}
		return domain.BookingInstance{}, err
	}
	normalizeInstance(&inst)
	return inst, nil
}

func (s *Store) ListInstances(ctx context.Context, seriesID uuid.UUID, status domain.InstanceStatus) ([]domain.BookingInstance, error) {
	var rows []domain.BookingInstance
	q := s.db.NewSelect().
		Model(&rows).
		Where("series_id = ?", seriesID).
		OrderExpr("instance_number ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	for i := range rows {
		normalizeInstance(&rows[i])
	}
	return rows, nil
}

func (s *Store) UpdateInstanceIf(ctx context.Context, next domain.BookingInstance, status domain.InstanceStatus, version int64) (domain.BookingInstance, error) {
	next.Version = version + 1
	res, err := s.db.NewUpdate().
		Model(&next).
		Column("scheduled_date", "status", "original_date", "reason", "version", "updated_at").
		Where("id = ?", next.ID).
		Where("status = ?", status).
		Where("version = ?", version).
		Exec(ctx)
	if err != nil {
		return domain.BookingInstance{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.BookingInstance{}, err
	}
	if affected == 0 {
		if _, err := s.GetInstance(ctx, next.ID); err != nil {
			return domain.BookingInstance{}, err
		}
		return domain.BookingInstance{}, store.ErrStatusMismatch
	}
	return s.GetInstance(ctx, next.ID)
}

func (r seriesTx) GetSeries(ctx context.Context, seriesID uuid.UUID) (domain.RecurringSeries, error) {
	return getSeries(ctx, r.tx, seriesID)
}

func (r seriesTx) LastInstance(ctx context.Context, seriesID uuid.UUID) (domain.BookingInstance, bool, error) {
	var inst domain.BookingInstance
	err := r.tx.NewSelect().
		Model(&inst).
		Where("series_id = ?", seriesID).
		OrderExpr("instance_number DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.BookingInstance{}, false, nil
		}
		return domain.BookingInstance{}, false, err
	}
	normalizeInstance(&inst)
	return inst, true, nil
}

func (r seriesTx) InsertInstances(ctx context.Context, instances []domain.BookingInstance) ([]domain.BookingInstance, error) {
	if len(instances) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	rows := make([]domain.BookingInstance, len(instances))
	copy(rows, instances)
	for i := range rows {
		if rows[i].ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, err
			}
			rows[i].ID = id
		}
		if rows[i].CreatedAt.IsZero() {
			rows[i].CreatedAt = now
		}
		rows[i].UpdatedAt = now
	}
	if _, err := r.tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
		return nil, mapWriteError(err)
	}
	for i := range rows {
		normalizeInstance(&rows[i])
	}
	return rows, nil
}

func (r seriesTx) MarkSeriesCancelled(ctx context.Context, seriesID uuid.UUID, reason string, at time.Time) (domain.RecurringSeries, error) {
	series, err := getSeries(ctx, r.tx, seriesID)
	if err != nil {
		return domain.RecurringSeries{}, err
	}
	if !series.Active() {
		return series, nil
	}

	cancelledAt := at.UTC()
	series.Status = domain.SeriesStatusCancelled
	series.CancelReason = reason
	series.CancelledAt = &cancelledAt
	_, err = r.tx.NewUpdate().
		Model(&series).
		Column("status", "cancel_reason", "cancelled_at", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return domain.RecurringSeries{}, err
	}
	return series, nil
}

func getSeries(ctx context.Context, db bun.IDB, seriesID uuid.UUID) (domain.RecurringSeries, error) {
	var series domain.RecurringSeries
	err := db.NewSelect().
		Model(&series).
		Where("id = ?", seriesID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RecurringSeries{}, store.ErrNotFound
		}
		return domain.RecurringSeries{}, err
	}
	normalizeSeries(&series)
	return series, nil
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return store.ErrConflict
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return store.ErrConflict
		case sqlite3.SQLITE_CONSTRAINT:
			if strings.Contains(liteErr.Error(), "UNIQUE") {
				return store.ErrConflict
			}
		}
	}
	return err
}

// sqlite hands back timestamps in whatever zone they were written with.
func normalizeSeries(s *domain.RecurringSeries) {
	s.StartDate = domain.DateOf(s.StartDate)
}

func normalizeInstance(i *domain.BookingInstance) {
	i.ScheduledDate = domain.DateOf(i.ScheduledDate)
	if i.OriginalDate != nil {
		d := domain.DateOf(*i.OriginalDate)
		i.OriginalDate = &d
	}
}
