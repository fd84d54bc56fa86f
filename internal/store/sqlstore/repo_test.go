package sqlstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/backend/internal/domain"
	"cadence/backend/internal/store"
)

func TestSQLite_StoreContract(t *testing.T) {
	db, err := Open(BackendSQLite, ":memory:", PoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = Close(db)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	applied, err := Migrate(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_recurring_series", "0002_booking_instances"}, applied)

	again, err := Migrate(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, again)

	runStoreContract(t, ctx, New(db))
}

func runStoreContract(t *testing.T, ctx context.Context, st *Store) {
	t.Helper()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	series := domain.RecurringSeries{
		Template: domain.BookingTemplate{
			ServiceID:  "svc-1",
			CustomerID: "cust-1",
			StartTime:  "09:30",
		},
		StartDate:    start,
		Pattern:      domain.PatternSpec{Kind: domain.PatternWeekly, Days: []int{2, 4}, IntervalWeeks: 1},
		EndCondition: domain.EndSpec{Kind: domain.EndKindCount, Count: 10},
	}
	dates := []time.Time{
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC),
	}

	created, instances, err := st.CreateSeries(ctx, series, domain.NewInstances(uuid.Nil, 0, dates, "09:30"))
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, created.ID)
	require.Len(t, instances, 3)
	for _, inst := range instances {
		assert.Equal(t, created.ID, inst.SeriesID)
		assert.NotEqual(t, uuid.Nil, inst.ID)
	}

	got, err := st.GetSeries(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SeriesStatusActive, got.Status)
	assert.True(t, got.StartDate.Equal(start))
	assert.Equal(t, series.Pattern, got.Pattern)
	assert.Equal(t, series.EndCondition, got.EndCondition)
	assert.Equal(t, "svc-1", got.Template.ServiceID)

	_, err = st.GetSeries(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	listed, err := st.ListInstances(ctx, created.ID, "")
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for i, inst := range listed {
		assert.Equal(t, i+1, inst.InstanceNumber)
		assert.Equal(t, domain.FormatDate(dates[i]), domain.FormatDate(inst.ScheduledDate))
	}

	err = st.InSeriesTransaction(ctx, created.ID, func(ctx context.Context, tx store.SeriesTx) error {
		_, err := tx.InsertInstances(ctx, domain.NewInstances(created.ID, 2, dates[2:], "09:30"))
		return err
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	err = st.InSeriesTransaction(ctx, created.ID, func(ctx context.Context, tx store.SeriesTx) error {
		last, ok, err := tx.LastInstance(ctx, created.ID)
		if err != nil {
			return err
		}
		require.True(t, ok)
		assert.Equal(t, 3, last.InstanceNumber)

		next := domain.NewInstances(created.ID, last.InstanceNumber, []time.Time{time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC)}, "09:30")
		inserted, err := tx.InsertInstances(ctx, next)
		if err != nil {
			return err
		}
		assert.Equal(t, 4, inserted[0].InstanceNumber)
		return nil
	})
	require.NoError(t, err)

	target := listed[1]
	skipped := target
	skipped.Status = domain.InstanceStatusSkipped
	skipped.Reason = "holiday"
	updated, err := st.UpdateInstanceIf(ctx, skipped, domain.InstanceStatusScheduled, target.Version)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusSkipped, updated.Status)
	assert.Equal(t, "holiday", updated.Reason)
	assert.Equal(t, target.Version+1, updated.Version)

	_, err = st.UpdateInstanceIf(ctx, skipped, domain.InstanceStatusScheduled, target.Version)
	assert.ErrorIs(t, err, store.ErrStatusMismatch)

	ghost := skipped
	ghost.ID = uuid.New()
	_, err = st.UpdateInstanceIf(ctx, ghost, domain.InstanceStatusScheduled, 0)
	assert.ErrorIs(t, err, store.ErrNotFound)

	moved := listed[2]
	original := moved.ScheduledDate
	moved.Status = domain.InstanceStatusRescheduled
	moved.ScheduledDate = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	moved.OriginalDate = &original
	moved, err = st.UpdateInstanceIf(ctx, moved, domain.InstanceStatusScheduled, 0)
	require.NoError(t, err)
	require.NotNil(t, moved.OriginalDate)
	assert.Equal(t, "2024-01-09", domain.FormatDate(*moved.OriginalDate))
	assert.Equal(t, "2024-01-10", domain.FormatDate(moved.ScheduledDate))

	scheduled, err := st.ListInstances(ctx, created.ID, domain.InstanceStatusScheduled)
	require.NoError(t, err)
	require.Len(t, scheduled, 2)
	assert.Equal(t, 1, scheduled[0].InstanceNumber)
	assert.Equal(t, 4, scheduled[1].InstanceNumber)

	_, err = st.GetInstance(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	active, err := st.ListSeriesIDs(ctx, domain.SeriesStatusActive)
	require.NoError(t, err)
	assert.Contains(t, active, created.ID)

	at := time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)
	err = st.InSeriesTransaction(ctx, created.ID, func(ctx context.Context, tx store.SeriesTx) error {
		cancelled, err := tx.MarkSeriesCancelled(ctx, created.ID, "moved away", at)
		if err != nil {
			return err
		}
		assert.Equal(t, domain.SeriesStatusCancelled, cancelled.Status)

		again, err := tx.MarkSeriesCancelled(ctx, created.ID, "second reason", at.Add(time.Hour))
		if err != nil {
			return err
		}
		assert.Equal(t, "moved away", again.CancelReason)
		return nil
	})
	require.NoError(t, err)

	active, err = st.ListSeriesIDs(ctx, domain.SeriesStatusActive)
	require.NoError(t, err)
	assert.NotContains(t, active, created.ID)

	reloaded, err := st.GetSeries(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.CancelledAt)
	assert.True(t, reloaded.CancelledAt.Equal(at))
}

func TestMigrate_RollbackAndReapply(t *testing.T) {
	db, err := Open(BackendSQLite, ":memory:", PoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = Close(db)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err = Migrate(ctx, db)
	require.NoError(t, err)

	reverted, err := Rollback(ctx, db)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"0001_recurring_series", "0002_booking_instances"}, reverted)

	var tables int
	err = db.NewRaw("SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name IN ('recurring_series', 'booking_instances')").Scan(ctx, &tables)
	require.NoError(t, err)
	assert.Zero(t, tables)

	applied, err := Migrate(ctx, db)
	require.NoError(t, err)
	assert.Len(t, applied, 2)

	again, err := Rollback(ctx, db)
	require.NoError(t, err)
	assert.Len(t, again, 2)
	none, err := Rollback(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open("mysql", "ignored", PoolConfig{})
	assert.Error(t, err)
}

func randomHex(t *testing.T, bytesLen int) string {
	t.Helper()
	b := make([]byte, bytesLen)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read error: %v", err)
	}
	return hex.EncodeToString(b)
}
