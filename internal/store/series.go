package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"cadence/backend/internal/domain"
)

type SeriesRepository interface {
	// CreateSeries inserts a series and its first instances atomically.
	CreateSeries(ctx context.Context, series domain.RecurringSeries, instances []domain.BookingInstance) (domain.RecurringSeries, []domain.BookingInstance, error)
	GetSeries(ctx context.Context, seriesID uuid.UUID) (domain.RecurringSeries, error)
	ListSeriesIDs(ctx context.Context, status domain.SeriesStatus) ([]uuid.UUID, error)

	// InSeriesTransaction runs fn in a transaction holding the series lock, so
	// instance numbering for one series is strictly sequential.
	InSeriesTransaction(ctx context.Context, seriesID uuid.UUID, fn func(ctx context.Context, tx SeriesTx) error) error
}

type SeriesTx interface {
	GetSeries(ctx context.Context, seriesID uuid.UUID) (domain.RecurringSeries, error)
	// LastInstance returns the instance with the highest number. ok is false
	// when the series has none.
	LastInstance(ctx context.Context, seriesID uuid.UUID) (inst domain.BookingInstance, ok bool, err error)
	InsertInstances(ctx context.Context, instances []domain.BookingInstance) ([]domain.BookingInstance, error)
	MarkSeriesCancelled(ctx context.Context, seriesID uuid.UUID, reason string, at time.Time) (domain.RecurringSeries, error)
}

type InstanceStore interface {
	GetInstance(ctx context.Context, instanceID uuid.UUID) (domain.BookingInstance, error)
	// ListInstances returns a series' instances ordered by instance number.
	// An empty status matches every status.
	ListInstances(ctx context.Context, seriesID uuid.UUID, status domain.InstanceStatus) ([]domain.BookingInstance, error)
	// UpdateInstanceIf writes the mutable fields of next only while the stored
	// row still has the given status and version, and bumps the version.
	// A lost race returns ErrStatusMismatch.
	UpdateInstanceIf(ctx context.Context, next domain.BookingInstance, status domain.InstanceStatus, version int64) (domain.BookingInstance, error)
}
