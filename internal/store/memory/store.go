// Package memory keeps series and instances in process memory. It backs dev
// mode and service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cadence/backend/internal/domain"
	"cadence/backend/internal/store"
)

type Store struct {
	mu        sync.RWMutex
	series    map[uuid.UUID]domain.RecurringSeries
	instances map[uuid.UUID]domain.BookingInstance
	// bySeries holds instance ids in instance-number order.
	bySeries map[uuid.UUID][]uuid.UUID

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex

	now func() time.Time
}

func New() *Store {
	return &Store{
		series:    make(map[uuid.UUID]domain.RecurringSeries),
		instances: make(map[uuid.UUID]domain.BookingInstance),
		bySeries:  make(map[uuid.UUID][]uuid.UUID),
		locks:     make(map[uuid.UUID]*sync.Mutex),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) CreateSeries(_ context.Context, series domain.RecurringSeries, instances []domain.BookingInstance) (domain.RecurringSeries, []domain.BookingInstance, error) {
	now := s.now()
	if series.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.RecurringSeries{}, nil, err
		}
		series.ID = id
	}
	if series.Status == "" {
		series.Status = domain.SeriesStatusActive
	}
	series.StartDate = domain.DateOf(series.StartDate)
	series.CreatedAt, series.UpdatedAt = now, now

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.series[series.ID]; ok {
		return domain.RecurringSeries{}, nil, store.ErrConflict
	}
	for i := range instances {
		instances[i].SeriesID = series.ID
	}
	rows, err := s.prepareLocked(instances, now)
	if err != nil {
		return domain.RecurringSeries{}, nil, err
	}
	s.series[series.ID] = series
	s.commitLocked(rows)
	return series, rows, nil
}

func (s *Store) GetSeries(_ context.Context, seriesID uuid.UUID) (domain.RecurringSeries, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series, ok := s.series[seriesID]
	if !ok {
		return domain.RecurringSeries{}, store.ErrNotFound
	}
	return series, nil
}

func (s *Store) ListSeriesIDs(_ context.Context, status domain.SeriesStatus) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]domain.RecurringSeries, 0, len(s.series))
	for _, series := range s.series {
		if status == "" || series.Status == status {
			rows = append(rows, series)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID.String() < rows[j].ID.String()
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	ids := make([]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// InSeriesTransaction serializes callers per series. Writes made through tx
// are staged and only become visible when fn returns nil.
func (s *Store) InSeriesTransaction(ctx context.Context, seriesID uuid.UUID, fn func(ctx context.Context, tx store.SeriesTx) error) error {
	lock := s.seriesLock(seriesID)
	lock.Lock()
	defer lock.Unlock()

	tx := &seriesTx{store: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.cancelled != nil {
		s.series[tx.cancelled.ID] = *tx.cancelled
	}
	s.commitLocked(tx.staged)
	return nil
}

func (s *Store) seriesLock(seriesID uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[seriesID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[seriesID] = lock
	}
	return lock
}

func (s *Store) GetInstance(_ context.Context, instanceID uuid.UUID) (domain.BookingInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return domain.BookingInstance{}, store.ErrNotFound
	}
	return cloneInstance(inst), nil
}

func (s *Store) ListInstances(_ context.Context, seriesID uuid.UUID, status domain.InstanceStatus) ([]domain.BookingInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySeries[seriesID]
	out := make([]domain.BookingInstance, 0, len(ids))
	for _, id := range ids {
		inst := s.instances[id]
		if status != "" && inst.Status != status {
			continue
		}
		out = append(out, cloneInstance(inst))
	}
	return out, nil
}

func (s *Store) UpdateInstanceIf(_ context.Context, next domain.BookingInstance, status domain.InstanceStatus, version int64) (domain.BookingInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.instances[next.ID]
	if !ok {
		return domain.BookingInstance{}, store.ErrNotFound
	}
	if cur.Status != status || cur.Version != version {
		return domain.BookingInstance{}, store.ErrStatusMismatch
	}

	cur.ScheduledDate = domain.DateOf(next.ScheduledDate)
	cur.Status = next.Status
	cur.OriginalDate = nil
	if next.OriginalDate != nil {
		d := domain.DateOf(*next.OriginalDate)
		cur.OriginalDate = &d
	}
	cur.Reason = next.Reason
	cur.Version = version + 1
	cur.UpdatedAt = s.now()
	s.instances[cur.ID] = cur
	return cloneInstance(cur), nil
}

// prepareLocked assigns ids and timestamps and rejects duplicate instance
// numbers, both against stored rows and within the batch.
func (s *Store) prepareLocked(instances []domain.BookingInstance, now time.Time) ([]domain.BookingInstance, error) {
	taken := make(map[uuid.UUID]map[int]bool)
	numbersOf := func(seriesID uuid.UUID) map[int]bool {
		if m, ok := taken[seriesID]; ok {
			return m
		}
		m := make(map[int]bool)
		for _, id := range s.bySeries[seriesID] {
			m[s.instances[id].InstanceNumber] = true
		}
		taken[seriesID] = m
		return m
	}

	rows := make([]domain.BookingInstance, 0, len(instances))
	for _, inst := range instances {
		numbers := numbersOf(inst.SeriesID)
		if numbers[inst.InstanceNumber] {
			return nil, store.ErrConflict
		}
		numbers[inst.InstanceNumber] = true

		if inst.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, err
			}
			inst.ID = id
		}
		inst.ScheduledDate = domain.DateOf(inst.ScheduledDate)
		inst.CreatedAt, inst.UpdatedAt = now, now
		rows = append(rows, inst)
	}
	return rows, nil
}

func (s *Store) commitLocked(rows []domain.BookingInstance) {
	touched := make(map[uuid.UUID]bool)
	for _, inst := range rows {
		s.instances[inst.ID] = inst
		s.bySeries[inst.SeriesID] = append(s.bySeries[inst.SeriesID], inst.ID)
		touched[inst.SeriesID] = true
	}
	for seriesID := range touched {
		ids := s.bySeries[seriesID]
		sort.Slice(ids, func(i, j int) bool {
			return s.instances[ids[i]].InstanceNumber < s.instances[ids[j]].InstanceNumber
		})
	}
}

func cloneInstance(inst domain.BookingInstance) domain.BookingInstance {
	if inst.OriginalDate != nil {
		d := *inst.OriginalDate
		inst.OriginalDate = &d
	}
	return inst
}

type seriesTx struct {
	store     *Store
	staged    []domain.BookingInstance
	cancelled *domain.RecurringSeries
}

func (t *seriesTx) GetSeries(ctx context.Context, seriesID uuid.UUID) (domain.RecurringSeries, error) {
	if t.cancelled != nil && t.cancelled.ID == seriesID {
		return *t.cancelled, nil
	}
	return t.store.GetSeries(ctx, seriesID)
}

func (t *seriesTx) LastInstance(_ context.Context, seriesID uuid.UUID) (domain.BookingInstance, bool, error) {
	var (
		last  domain.BookingInstance
		found bool
	)
	for _, inst := range t.staged {
		if inst.SeriesID == seriesID && (!found || inst.InstanceNumber > last.InstanceNumber) {
			last, found = inst, true
		}
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if ids := t.store.bySeries[seriesID]; len(ids) > 0 {
		stored := t.store.instances[ids[len(ids)-1]]
		if !found || stored.InstanceNumber > last.InstanceNumber {
			last, found = stored, true
		}
	}
	return cloneInstance(last), found, nil
}

func (t *seriesTx) InsertInstances(_ context.Context, instances []domain.BookingInstance) ([]domain.BookingInstance, error) {
	if len(instances) == 0 {
		return nil, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	for _, inst := range instances {
		for _, staged := range t.staged {
			if staged.SeriesID == inst.SeriesID && staged.InstanceNumber == inst.InstanceNumber {
				return nil, store.ErrConflict
			}
		}
	}
	rows, err := t.store.prepareLocked(instances, t.store.now())
	if err != nil {
		return nil, err
	}
	t.staged = append(t.staged, rows...)
	return rows, nil
}

func (t *seriesTx) MarkSeriesCancelled(ctx context.Context, seriesID uuid.UUID, reason string, at time.Time) (domain.RecurringSeries, error) {
	series, err := t.GetSeries(ctx, seriesID)
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
	series.UpdatedAt = t.store.now()
	t.cancelled = &series
	return series, nil
}
