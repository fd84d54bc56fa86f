package series

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"cadence/backend/internal/domain"
	"cadence/backend/internal/events"
	"cadence/backend/internal/store"
	"cadence/backend/internal/store/memory"
)

type fakeStore struct {
	store.SeriesRepository
	store.InstanceStore

	createSeriesFn func(ctx context.Context, series domain.RecurringSeries, instances []domain.BookingInstance) (domain.RecurringSeries, []domain.BookingInstance, error)
}

func (f *fakeStore) CreateSeries(ctx context.Context, series domain.RecurringSeries, instances []domain.BookingInstance) (domain.RecurringSeries, []domain.BookingInstance, error) {
	if f.createSeriesFn == nil {
		panic("CreateSeries not configured")
	}
	return f.createSeriesFn(ctx, series, instances)
}

func fixedClock(date string) func() time.Time {
	d, err := domain.ParseDate(date)
	if err != nil {
		panic(err)
	}
	return func() time.Time { return d.Add(10 * time.Hour) }
}

func weeklyInput(start string, end domain.EndSpec) CreateSeriesInput {
	return CreateSeriesInput{
		StartDate:    start,
		Pattern:      domain.PatternSpec{Kind: domain.PatternWeekly, Days: []int{2, 4}, IntervalWeeks: 1},
		EndCondition: end,
		Template:     domain.BookingTemplate{ServiceID: "svc-1", CustomerID: "cust-1", StartTime: "09:30", DurationMinutes: 60},
	}
}

func newManager(t *testing.T, today string) (*Manager, *memory.Store, *events.Recorder) {
	t.Helper()
	st := memory.New()
	rec := &events.Recorder{}
	return NewManager(st, DefaultConfig(), WithPublisher(rec), WithClock(fixedClock(today))), st, rec
}

func TestCreateSeries_InitialWindowIsCountBound(t *testing.T) {
	m, _, rec := newManager(t, "2024-01-01")

	series, instances, err := m.CreateSeries(context.Background(), weeklyInput("2024-01-01", domain.EndSpec{}))
	if err != nil {
		t.Fatalf("CreateSeries error: %v", err)
	}
	if len(instances) != 12 {
		t.Fatalf("instances = %d, want 12", len(instances))
	}
	if got := domain.FormatDate(instances[0].ScheduledDate); got != "2024-01-02" {
		t.Fatalf("first = %s, want 2024-01-02", got)
	}
	if got := domain.FormatDate(instances[11].ScheduledDate); got != "2024-02-08" {
		t.Fatalf("last = %s, want 2024-02-08", got)
	}
	for i, inst := range instances {
		if inst.InstanceNumber != i+1 {
			t.Fatalf("instance %d number = %d", i, inst.InstanceNumber)
		}
		if inst.Status != domain.InstanceStatusScheduled || inst.ScheduledTime != "09:30" {
			t.Fatalf("instance %d = %+v", i, inst)
		}
	}
	if series.Status != domain.SeriesStatusActive {
		t.Fatalf("status = %q, want active", series.Status)
	}
	created := rec.OfType(events.SeriesCreated)
	if len(created) != 1 || created[0].Count != 12 || created[0].SeriesID != series.ID {
		t.Fatalf("created events = %+v", created)
	}
}

func TestCreateSeries_InitialWindowIsDayBound(t *testing.T) {
	m, _, _ := newManager(t, "2024-01-01")

	in := CreateSeriesInput{
		StartDate:    "2024-01-31",
		Pattern:      domain.PatternSpec{Kind: domain.PatternMonthly, Day: 31},
		EndCondition: domain.EndSpec{Kind: domain.EndKindCount, Count: 24},
		Template:     domain.BookingTemplate{ServiceID: "svc", CustomerID: "cust", StartTime: "08:00"},
	}
	_, instances, err := m.CreateSeries(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateSeries error: %v", err)
	}
	got := formatInstances(instances)
	want := []string{"2024-01-31", "2024-02-29", "2024-03-31"}
	if !equalStrings(got, want) {
		t.Fatalf("dates = %v, want %v", got, want)
	}
}

func TestCreateSeries_SparsePatternKeepsFirstOccurrence(t *testing.T) {
	m, _, _ := newManager(t, "2024-01-01")

	in := CreateSeriesInput{
		StartDate:    "2024-01-30",
		Pattern:      domain.PatternSpec{Kind: domain.PatternMonthly, WeekNumber: 5, DayOfWeek: intPtr(int(time.Monday))},
		EndCondition: domain.EndSpec{},
		Template:     domain.BookingTemplate{ServiceID: "svc", CustomerID: "cust", StartTime: "08:00"},
	}
	_, instances, err := m.CreateSeries(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateSeries error: %v", err)
	}
	// The first fifth Monday after the start is 2024-04-29, past the 90 day window.
	if len(instances) != 1 || domain.FormatDate(instances[0].ScheduledDate) != "2024-04-29" {
		t.Fatalf("instances = %v, want [2024-04-29]", formatInstances(instances))
	}
}

func TestCreateSeries_RejectsBeforeWriting(t *testing.T) {
	m := NewManager(&fakeStore{}, DefaultConfig())
	ctx := context.Background()

	cases := []struct {
		name string
		in   CreateSeriesInput
		want error
	}{
		{"bad start format", weeklyInput("01/02/2024", domain.EndSpec{}), domain.ErrInvalidDateFormat},
		{"impossible start", weeklyInput("2024-02-30", domain.EndSpec{}), domain.ErrInvalidDate},
		{"end before start", weeklyInput("2024-03-01", domain.EndSpec{Kind: domain.EndKindEndDate, EndDate: "2024-02-01"}), domain.ErrInvalidPattern},
		{"zero count", weeklyInput("2024-03-01", domain.EndSpec{Kind: domain.EndKindCount, Count: 0}), domain.ErrInvalidPattern},
		{"empty weekly", CreateSeriesInput{
			StartDate: "2024-01-01",
			Pattern:   domain.PatternSpec{Kind: domain.PatternWeekly, IntervalWeeks: 1},
			Template:  domain.BookingTemplate{ServiceID: "s", CustomerID: "c", StartTime: "08:00"},
		}, domain.ErrInvalidPattern},
		{"no occurrence at all", CreateSeriesInput{
			StartDate:    "2024-01-02",
			Pattern:      domain.PatternSpec{Kind: domain.PatternWeekly, Days: []int{1}, IntervalWeeks: 1},
			EndCondition: domain.EndSpec{Kind: domain.EndKindEndDate, EndDate: "2024-01-05"},
			Template:     domain.BookingTemplate{ServiceID: "s", CustomerID: "c", StartTime: "08:00"},
		}, domain.ErrInvalidPattern},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := m.CreateSeries(ctx, tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCreateSeries_ValidationErrorType(t *testing.T) {
	m := NewManager(&fakeStore{}, DefaultConfig())

	in := weeklyInput("2024-01-01", domain.EndSpec{})
	in.Template.StartTime = "9am"
	_, _, err := m.CreateSeries(context.Background(), in)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if vErr.Error() != "template.start_time must be HH:MM" {
		t.Fatalf("error = %q", vErr.Error())
	}

	in = weeklyInput("2024-01-01", domain.EndSpec{})
	in.Template.CustomerID = "  "
	_, _, err = m.CreateSeries(context.Background(), in)
	if !errors.As(err, &vErr) || vErr.Error() != "template.customer_id is required" {
		t.Fatalf("err = %v", err)
	}
}

func TestCreateSeries_PropagatesStoreError(t *testing.T) {
	boom := errors.New("db down")
	m := NewManager(&fakeStore{
		createSeriesFn: func(ctx context.Context, series domain.RecurringSeries, instances []domain.BookingInstance) (domain.RecurringSeries, []domain.BookingInstance, error) {
			if len(instances) != 12 {
				t.Fatalf("instances = %d, want 12", len(instances))
			}
			return domain.RecurringSeries{}, nil, boom
		},
	}, DefaultConfig())

	_, _, err := m.CreateSeries(context.Background(), weeklyInput("2024-01-01", domain.EndSpec{}))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestExtendWindow_IsIdempotent(t *testing.T) {
	m, st, rec := newManager(t, "2024-01-01")
	ctx := context.Background()

	series, initial, err := m.CreateSeries(ctx, weeklyInput("2024-01-01", domain.EndSpec{}))
	if err != nil {
		t.Fatalf("CreateSeries error: %v", err)
	}

	n, err := m.ExtendWindow(ctx, series.ID)
	if err != nil {
		t.Fatalf("ExtendWindow error: %v", err)
	}
	// Through 2024-03-31: Tuesdays and Thursdays from 2024-02-13.
	if n != 14 {
		t.Fatalf("extended = %d, want 14", n)
	}

	again, err := m.ExtendWindow(ctx, series.ID)
	if err != nil {
		t.Fatalf("ExtendWindow error: %v", err)
	}
	if again != 0 {
		t.Fatalf("second extend = %d, want 0", again)
	}

	all, err := st.ListInstances(ctx, series.ID, "")
	if err != nil {
		t.Fatalf("ListInstances error: %v", err)
	}
	if len(all) != len(initial)+14 {
		t.Fatalf("instances = %d, want %d", len(all), len(initial)+14)
	}
	want := domain.Generate(domain.Weekly{Days: []time.Weekday{time.Tuesday, time.Thursday}, IntervalWeeks: 1}, series.StartDate, domain.NoEnd{}, len(all))
	for i, inst := range all {
		if inst.InstanceNumber != i+1 {
			t.Fatalf("instance %d number = %d", i, inst.InstanceNumber)
		}
		if !inst.ScheduledDate.Equal(want[i]) {
			t.Fatalf("instance %d = %s, want %s", i+1, domain.FormatDate(inst.ScheduledDate), domain.FormatDate(want[i]))
		}
	}
	if err := m.VerifySeries(ctx, series.ID); err != nil {
		t.Fatalf("VerifySeries error: %v", err)
	}
	if got := rec.OfType(events.SeriesExtended); len(got) != 1 || got[0].Count != 14 {
		t.Fatalf("extended events = %+v", got)
	}
}

func TestExtendWindow_RespectsOccurrenceCount(t *testing.T) {
	m, st, _ := newManager(t, "2024-01-01")
	ctx := context.Background()

	series, _, err := m.CreateSeries(ctx, weeklyInput("2024-01-01", domain.EndSpec{Kind: domain.EndKindCount, Count: 15}))
	if err != nil {
		t.Fatalf("CreateSeries error: %v", err)
	}
	n, err := m.ExtendWindow(ctx, series.ID)
	if err != nil {
		t.Fatalf("ExtendWindow error: %v", err)
	}
	if n != 3 {
		t.Fatalf("extended = %d, want 3", n)
	}
	all, _ := st.ListInstances(ctx, series.ID, "")
	if len(all) != 15 {
		t.Fatalf("instances = %d, want 15", len(all))
	}
}

func TestExtendWindow_ResumesAfterRescheduledLastInstance(t *testing.T) {
	m, st, _ := newManager(t, "2024-01-01")
	ctx := context.Background()

	series, instances, err := m.CreateSeries(ctx, weeklyInput("2024-01-01", domain.EndSpec{}))
	if err != nil {
		t.Fatalf("CreateSeries error: %v", err)
	}
	last := instances[len(instances)-1]
	moved := last
	original := last.ScheduledDate
	moved.Status = domain.InstanceStatusRescheduled
	moved.OriginalDate = &original
	moved.ScheduledDate = original.AddDate(0, 0, 30)
	if _, err := st.UpdateInstanceIf(ctx, moved, last.Status, last.Version); err != nil {
		t.Fatalf("UpdateInstanceIf error: %v", err)
	}

	if _, err := m.ExtendWindow(ctx, series.ID); err != nil {
		t.Fatalf("ExtendWindow error: %v", err)
	}
	all, _ := st.ListInstances(ctx, series.ID, "")
	if got := domain.FormatDate(all[12].ScheduledDate); got != "2024-02-13" {
		t.Fatalf("instance 13 = %s, want 2024-02-13", got)
	}
	if err := domain.VerifyConsistency(series, all); err != nil {
		t.Fatalf("VerifyConsistency error: %v", err)
	}
}

func TestExtendWindow_ConcurrentCallsDoNotDuplicate(t *testing.T) {
	m, st, _ := newManager(t, "2024-01-01")
	ctx := context.Background()

	series, initial, err := m.CreateSeries(ctx, weeklyInput("2024-01-01", domain.EndSpec{}))
	if err != nil {
		t.Fatalf("CreateSeries error: %v", err)
	}
	other := NewManager(st, DefaultConfig(), WithClock(fixedClock("2024-01-01")))

	var reported atomic.Int64
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		mgr := m
		if i%2 == 1 {
			mgr = other
		}
		go func() {
			defer wg.Done()
			n, err := mgr.ExtendWindow(ctx, series.ID)
			if err != nil {
				errs <- err
				return
			}
			reported.Add(int64(n))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("ExtendWindow error: %v", err)
	}

	all, _ := st.ListInstances(ctx, series.ID, "")
	if len(all) != 26 {
		t.Fatalf("instances = %d, want 26", len(all))
	}
	if got, want := int(reported.Load()), len(all)-len(initial); got != want {
		t.Fatalf("reported created = %d, want %d", got, want)
	}
	seen := make(map[string]bool)
	for _, inst := range all {
		d := domain.FormatDate(inst.ScheduledDate)
		if seen[d] {
			t.Fatalf("duplicate date %s", d)
		}
		seen[d] = true
	}
}

func TestExtendWindow_UnknownAndCancelled(t *testing.T) {
	m, _, _ := newManager(t, "2024-01-01")
	ctx := context.Background()

	if _, err := m.ExtendWindow(ctx, uuid.New()); !errors.Is(err, domain.ErrSeriesNotFound) {
		t.Fatalf("err = %v, want ErrSeriesNotFound", err)
	}

	series, _, err := m.CreateSeries(ctx, weeklyInput("2024-01-01", domain.EndSpec{}))
	if err != nil {
		t.Fatalf("CreateSeries error: %v", err)
	}
	if _, err := m.CancelSeries(ctx, series.ID, "closed"); err != nil {
		t.Fatalf("CancelSeries error: %v", err)
	}
	n, err := m.ExtendWindow(ctx, series.ID)
	if err != nil || n != 0 {
		t.Fatalf("ExtendWindow = %d, %v; want 0, nil", n, err)
	}
}

func TestCancelSeries_LeavesHistoryUntouched(t *testing.T) {
	m, st, rec := newManager(t, "2024-01-01")
	ctx := context.Background()

	series, instances, err := m.CreateSeries(ctx, weeklyInput("2024-01-01", domain.EndSpec{Kind: domain.EndKindCount, Count: 4}))
	if err != nil {
		t.Fatalf("CreateSeries error: %v", err)
	}
	setStatus(t, st, instances[0], domain.InstanceStatusCompleted)
	setStatus(t, st, instances[2], domain.InstanceStatusSkipped)

	n, err := m.CancelSeries(ctx, series.ID, "moving away")
	if err != nil {
		t.Fatalf("CancelSeries error: %v", err)
	}
	if n != 2 {
		t.Fatalf("cancelled = %d, want 2", n)
	}

	all, _ := st.ListInstances(ctx, series.ID, "")
	want := []domain.InstanceStatus{
		domain.InstanceStatusCompleted,
		domain.InstanceStatusCancelled,
		domain.InstanceStatusSkipped,
		domain.InstanceStatusCancelled,
	}
	for i, inst := range all {
		if inst.Status != want[i] {
			t.Fatalf("instance %d status = %q, want %q", i+1, inst.Status, want[i])
		}
	}
	if all[1].Reason != "moving away" {
		t.Fatalf("reason = %q, want %q", all[1].Reason, "moving away")
	}

	got, _ := st.GetSeries(ctx, series.ID)
	if got.Status != domain.SeriesStatusCancelled || got.CancelReason != "moving away" {
		t.Fatalf("series = %+v", got)
	}

	again, err := m.CancelSeries(ctx, series.ID, "again")
	if err != nil {
		t.Fatalf("second CancelSeries error: %v", err)
	}
	if again != 0 {
		t.Fatalf("second cancel = %d, want 0", again)
	}
	if evs := rec.OfType(events.SeriesCancelled); len(evs) != 2 || evs[0].Count != 2 {
		t.Fatalf("cancel events = %+v", evs)
	}
}

// failingUpdates rejects UpdateInstanceIf for the listed instances once each.
type failingUpdates struct {
	*memory.Store

	mu   sync.Mutex
	fail map[uuid.UUID]bool
}

func (f *failingUpdates) UpdateInstanceIf(ctx context.Context, next domain.BookingInstance, status domain.InstanceStatus, version int64) (domain.BookingInstance, error) {
	f.mu.Lock()
	failing := f.fail[next.ID]
	delete(f.fail, next.ID)
	f.mu.Unlock()
	if failing {
		return domain.BookingInstance{}, errors.New("connection reset")
	}
	return f.Store.UpdateInstanceIf(ctx, next, status, version)
}

func TestCancelSeries_PartialFailureIsRetried(t *testing.T) {
	st := &failingUpdates{Store: memory.New(), fail: map[uuid.UUID]bool{}}
	m := NewManager(st, DefaultConfig(), WithClock(fixedClock("2024-01-01")))
	ctx := context.Background()

	series, instances, err := m.CreateSeries(ctx, weeklyInput("2024-01-01", domain.EndSpec{Kind: domain.EndKindCount, Count: 4}))
	if err != nil {
		t.Fatalf("CreateSeries error: %v", err)
	}
	setStatus(t, st.Store, instances[0], domain.InstanceStatusRescheduled)
	rescheduled, _ := st.GetInstance(ctx, instances[0].ID)

	st.mu.Lock()
	st.fail[instances[2].ID] = true
	st.mu.Unlock()

	n, err := m.CancelSeries(ctx, series.ID, "moving away")
	if err != nil {
		t.Fatalf("CancelSeries error: %v", err)
	}
	if n != 2 {
		t.Fatalf("cancelled = %d, want 2", n)
	}
	stuck, _ := st.GetInstance(ctx, instances[2].ID)
	if stuck.Status != domain.InstanceStatusScheduled {
		t.Fatalf("failed instance status = %q, want scheduled", stuck.Status)
	}

	n, err = m.CancelSeries(ctx, series.ID, "moving away")
	if err != nil {
		t.Fatalf("second CancelSeries error: %v", err)
	}
	if n != 1 {
		t.Fatalf("second cancel = %d, want 1", n)
	}

	all, _ := st.ListInstances(ctx, series.ID, "")
	want := []domain.InstanceStatus{
		domain.InstanceStatusRescheduled,
		domain.InstanceStatusCancelled,
		domain.InstanceStatusCancelled,
		domain.InstanceStatusCancelled,
	}
	for i, inst := range all {
		if inst.Status != want[i] {
			t.Fatalf("instance %d status = %q, want %q", i+1, inst.Status, want[i])
		}
	}
	if all[0].Version != rescheduled.Version || all[0].Reason != rescheduled.Reason {
		t.Fatalf("rescheduled instance changed: %+v, was %+v", all[0], rescheduled)
	}
}

func TestCancelSeries_UnknownSeries(t *testing.T) {
	m, _, _ := newManager(t, "2024-01-01")
	if _, err := m.CancelSeries(context.Background(), uuid.New(), ""); !errors.Is(err, domain.ErrSeriesNotFound) {
		t.Fatalf("err = %v, want ErrSeriesNotFound", err)
	}
}

func TestGetSeriesInstances(t *testing.T) {
	m, _, _ := newManager(t, "2024-01-01")
	ctx := context.Background()

	created, _, err := m.CreateSeries(ctx, weeklyInput("2024-01-01", domain.EndSpec{Kind: domain.EndKindCount, Count: 3}))
	if err != nil {
		t.Fatalf("CreateSeries error: %v", err)
	}
	series, instances, err := m.GetSeriesInstances(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetSeriesInstances error: %v", err)
	}
	if series.ID != created.ID {
		t.Fatalf("series id = %s, want %s", series.ID, created.ID)
	}
	got := formatInstances(instances)
	want := []string{"2024-01-02", "2024-01-04", "2024-01-09"}
	if !equalStrings(got, want) {
		t.Fatalf("dates = %v, want %v", got, want)
	}

	if _, _, err := m.GetSeriesInstances(ctx, uuid.New()); !errors.Is(err, domain.ErrSeriesNotFound) {
		t.Fatalf("err = %v, want ErrSeriesNotFound", err)
	}
}

func TestSweepActive(t *testing.T) {
	m, st, _ := newManager(t, "2024-01-01")
	ctx := context.Background()

	a, _, err := m.CreateSeries(ctx, weeklyInput("2024-01-01", domain.EndSpec{}))
	if err != nil {
		t.Fatalf("CreateSeries error: %v", err)
	}
	b, _, err := m.CreateSeries(ctx, weeklyInput("2024-01-01", domain.EndSpec{Kind: domain.EndKindCount, Count: 12}))
	if err != nil {
		t.Fatalf("CreateSeries error: %v", err)
	}
	c, _, err := m.CreateSeries(ctx, weeklyInput("2024-01-01", domain.EndSpec{}))
	if err != nil {
		t.Fatalf("CreateSeries error: %v", err)
	}
	if _, err := m.CancelSeries(ctx, c.ID, ""); err != nil {
		t.Fatalf("CancelSeries error: %v", err)
	}

	res, err := m.SweepActive(ctx)
	if err != nil {
		t.Fatalf("SweepActive error: %v", err)
	}
	if res.Series != 2 || res.Extended != 1 || res.Instances != 14 || len(res.Failed) != 0 {
		t.Fatalf("result = %+v", res)
	}

	bad, err := m.VerifyActive(ctx)
	if err != nil || len(bad) != 0 {
		t.Fatalf("VerifyActive = %v, %v", bad, err)
	}
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		if err := m.VerifySeries(ctx, id); err != nil {
			t.Fatalf("VerifySeries(%s) error: %v", id, err)
		}
	}
	all, _ := st.ListInstances(ctx, b.ID, "")
	if len(all) != 12 {
		t.Fatalf("count-bound series has %d instances, want 12", len(all))
	}
}

func TestToday_UsesConfiguredLocation(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	cfg := DefaultConfig()
	cfg.Location = loc
	m := NewManager(memory.New(), cfg, WithClock(func() time.Time {
		return time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)
	}))
	if got := domain.FormatDate(m.today()); got != "2024-01-02" {
		t.Fatalf("today = %s, want 2024-01-02", got)
	}
}

func setStatus(t *testing.T, st *memory.Store, inst domain.BookingInstance, status domain.InstanceStatus) {
	t.Helper()
	next := inst
	next.Status = status
	if _, err := st.UpdateInstanceIf(context.Background(), next, inst.Status, inst.Version); err != nil {
		t.Fatalf("UpdateInstanceIf error: %v", err)
	}
}

func formatInstances(instances []domain.BookingInstance) []string {
	out := make([]string, 0, len(instances))
	for _, inst := range instances {
		out = append(out, domain.FormatDate(inst.ScheduledDate))
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func intPtr(v int) *int { return &v }
