package notify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mrwolf/anchor-server/internal/audit"
	"github.com/mrwolf/anchor-server/internal/db"
	"github.com/mrwolf/anchor-server/internal/models"
)

type fakeNotifier struct {
	mu       sync.Mutex
	sent     []models.ScheduledNotification
	failures int
	block    bool
}

func (f *fakeNotifier) Name() string { return "fake" }

func (f *fakeNotifier) Dispatch(ctx context.Context, n models.ScheduledNotification) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("sink unavailable")
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type harness struct {
	db       *db.DB
	sched    *Scheduler
	clock    *clockwork.FakeClock
	notifier *fakeNotifier
	audit    *audit.Log
}

func setupScheduler(t *testing.T, now time.Time) *harness {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "notify-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	database, err := db.Open(tmpFile.Name())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	auditLog, err := audit.New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create audit log: %v", err)
	}

	clock := clockwork.NewFakeClockAt(now)
	notifier := &fakeNotifier{}
	sched := NewScheduler(database, notifier, auditLog, clock, Config{Location: time.UTC})

	n := 0
	sched.SetIDFunc(func() string {
		n++
		return fmt.Sprintf("n-%d", n)
	})

	return &harness{db: database, sched: sched, clock: clock, notifier: notifier, audit: auditLog}
}

func recRequest(category, source string, priority models.Priority) Request {
	return Request{
		Payload: models.Payload{Recommendation: &models.Recommendation{
			ID:       "rec-" + source,
			SourceID: source,
			Category: category,
			Title:    source,
		}},
		Category: category,
		SourceID: source,
		Priority: priority,
	}
}

func TestScheduleHighPriorityInQuietHoursDeferred(t *testing.T) {
	h := setupScheduler(t, time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC))
	ctx := context.Background()

	res, err := h.sched.Schedule(ctx, recRequest(models.CategoryBreathing, "box", models.PriorityHigh))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if !res.Created || !res.Deferred {
		t.Errorf("expected created and deferred, got %+v", res)
	}

	want := time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC)
	if !res.Notification.DispatchAt.Equal(want) {
		t.Errorf("DispatchAt = %s, want %s", res.Notification.DispatchAt, want)
	}
	if res.Notification.DayBucket != "2026-03-10" {
		t.Errorf("DayBucket = %s", res.Notification.DayBucket)
	}

	entries, err := h.audit.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Event != audit.EventScheduled || entries[1].Event != audit.EventRescheduled {
		t.Errorf("unexpected audit trail %+v", entries)
	}
}

func TestScheduleCriticalInQuietHoursUnchanged(t *testing.T) {
	now := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	h := setupScheduler(t, now)

	res, err := h.sched.Schedule(context.Background(), recRequest(models.CategoryEmergency, "sponsor", models.PriorityCritical))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if res.Deferred || !res.Notification.DispatchAt.Equal(now) {
		t.Errorf("critical entry moved: %+v", res.Notification)
	}
}

func TestScheduleIdempotent(t *testing.T) {
	h := setupScheduler(t, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	first, err := h.sched.Schedule(ctx, recRequest(models.CategoryBreathing, "box", models.PriorityNormal))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	second, err := h.sched.Schedule(ctx, recRequest(models.CategoryBreathing, "box", models.PriorityNormal))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	if second.Created {
		t.Error("second identical schedule should be a no-op")
	}
	if second.Notification.ID != first.Notification.ID {
		t.Errorf("expected existing entry %s, got %s", first.Notification.ID, second.Notification.ID)
	}

	pending, _ := h.db.PendingNotifications(ctx)
	if len(pending) != 1 {
		t.Errorf("expected 1 pending entry, got %d", len(pending))
	}
}

func TestScheduleSupersedesSameBucket(t *testing.T) {
	h := setupScheduler(t, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	first, _ := h.sched.Schedule(ctx, recRequest(models.CategoryBreathing, "box", models.PriorityNormal))
	second, err := h.sched.Schedule(ctx, recRequest(models.CategoryBreathing, "478", models.PriorityNormal))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if !second.Created {
		t.Fatal("expected replacement entry")
	}

	old, err := h.db.GetNotification(ctx, first.Notification.ID)
	if err != nil {
		t.Fatalf("GetNotification failed: %v", err)
	}
	if old.Status != models.StatusCancelled {
		t.Errorf("expected old entry cancelled, got %s", old.Status)
	}

	pending, _ := h.db.PendingNotifications(ctx)
	if len(pending) != 1 || pending[0].ID != second.Notification.ID {
		t.Errorf("expected only replacement pending, got %+v", pending)
	}
}

func TestScheduleSpacing(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		critical bool
		want     time.Time
	}{
		{"normal frequency spaces by 6h", false, now.Add(6 * time.Hour)},
		{"critical context spaces by 30m", true, now.Add(30 * time.Minute)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupScheduler(t, now)
			ctx := context.Background()

			if _, err := h.sched.Schedule(ctx, recRequest(models.CategoryBreathing, "box", models.PriorityNormal)); err != nil {
				t.Fatalf("Schedule failed: %v", err)
			}

			req := recRequest(models.CategorySocial, "call", models.PriorityNormal)
			req.CriticalContext = tt.critical
			res, err := h.sched.Schedule(ctx, req)
			if err != nil {
				t.Fatalf("Schedule failed: %v", err)
			}
			if !res.Notification.DispatchAt.Equal(tt.want) {
				t.Errorf("DispatchAt = %s, want %s", res.Notification.DispatchAt, tt.want)
			}
		})
	}
}

func TestScheduleConcurrentCallersKeepSpacing(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	h := setupScheduler(t, now)
	ctx := context.Background()

	categories := []string{
		models.CategoryEmergency, models.CategoryBreathing, models.CategorySocial,
		models.CategoryJournaling, models.CategoryPhysical, models.CategoryMindfulness,
	}

	var wg sync.WaitGroup
	results := make([]time.Time, len(categories))
	for i, c := range categories {
		wg.Add(1)
		go func(i int, c string) {
			defer wg.Done()
			res, err := h.sched.Schedule(ctx, recRequest(c, "src-"+c, models.PriorityCritical))
			if err != nil {
				t.Errorf("Schedule(%s) failed: %v", c, err)
				return
			}
			results[i] = res.Notification.DispatchAt
		}(i, c)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Before(results[j]) })
	if !results[0].Equal(now) {
		t.Errorf("first entry at %s, want %s", results[0], now)
	}
	for i := 1; i < len(results); i++ {
		if gap := results[i].Sub(results[i-1]); gap < CriticalSpacing {
			t.Errorf("entries %d and %d are %s apart, want at least %s", i-1, i, gap, CriticalSpacing)
		}
	}
}

func TestScheduleCriticalCollisionSpacing(t *testing.T) {
	now := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	h := setupScheduler(t, now)
	ctx := context.Background()

	// a routine entry deferred to tomorrow morning must not hold back crisis content
	if _, err := h.sched.Schedule(ctx, recRequest(models.CategoryJournaling, "journal", models.PriorityLow)); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	first, err := h.sched.Schedule(ctx, recRequest(models.CategoryEmergency, "sponsor", models.PriorityCritical))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if !first.Notification.DispatchAt.Equal(now) {
		t.Errorf("critical entry delayed to %s", first.Notification.DispatchAt)
	}

	second, err := h.sched.Schedule(ctx, recRequest(models.CategoryDistraction, "cold", models.PriorityCritical))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if want := now.Add(CriticalSpacing); !second.Notification.DispatchAt.Equal(want) {
		t.Errorf("colliding critical entry at %s, want %s", second.Notification.DispatchAt, want)
	}
}

func TestScheduleDisabledCategory(t *testing.T) {
	h := setupScheduler(t, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	prefs := models.DefaultPreferences()
	prefs.CategoryToggles[models.CategoryBreathing] = false
	if err := h.db.SavePreferences(ctx, prefs, h.clock.Now()); err != nil {
		t.Fatalf("SavePreferences failed: %v", err)
	}

	_, err := h.sched.Schedule(ctx, recRequest(models.CategoryBreathing, "box", models.PriorityHigh))
	if !errors.Is(err, ErrCategoryDisabled) {
		t.Errorf("expected ErrCategoryDisabled, got %v", err)
	}
}

func TestScheduleUsesLocationForBucketAndQuietHours(t *testing.T) {
	// 20:30 UTC is 23:30 at UTC+3
	h := setupScheduler(t, time.Date(2026, 3, 10, 20, 30, 0, 0, time.UTC))
	h.sched.loc = time.FixedZone("UTC+3", 3*3600)

	res, err := h.sched.Schedule(context.Background(), recRequest(models.CategoryBreathing, "box", models.PriorityNormal))
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if !res.Deferred {
		t.Fatal("expected local quiet hours to defer")
	}
	want := time.Date(2026, 3, 11, 5, 0, 0, 0, time.UTC) // 08:00 local
	if !res.Notification.DispatchAt.Equal(want) {
		t.Errorf("DispatchAt = %s, want %s", res.Notification.DispatchAt, want)
	}
	if res.Notification.DayBucket != "2026-03-10" {
		t.Errorf("DayBucket = %s", res.Notification.DayBucket)
	}
}

func TestDispatchDue(t *testing.T) {
	h := setupScheduler(t, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	res, _ := h.sched.Schedule(ctx, recRequest(models.CategoryBreathing, "box", models.PriorityNormal))

	n, err := h.sched.DispatchDue(ctx)
	if err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}
	if n != 1 || h.notifier.count() != 1 {
		t.Fatalf("expected 1 dispatch, got %d (sink saw %d)", n, h.notifier.count())
	}

	got, _ := h.db.GetNotification(ctx, res.Notification.ID)
	if got.Status != models.StatusDispatched {
		t.Errorf("expected dispatched, got %s", got.Status)
	}

	// nothing left
	if n, _ := h.sched.DispatchDue(ctx); n != 0 {
		t.Errorf("expected no further dispatches, got %d", n)
	}
}

func TestDispatchNotYetDue(t *testing.T) {
	h := setupScheduler(t, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	req := recRequest(models.CategoryBreathing, "box", models.PriorityNormal)
	req.At = h.clock.Now().Add(time.Hour)
	h.sched.Schedule(ctx, req)

	if n, _ := h.sched.DispatchDue(ctx); n != 0 {
		t.Errorf("expected nothing due, got %d", n)
	}
	h.clock.Advance(time.Hour)
	if n, _ := h.sched.DispatchDue(ctx); n != 1 {
		t.Errorf("expected 1 due after an hour, got %d", n)
	}
}

func TestDispatchRetryOnceThenCancel(t *testing.T) {
	h := setupScheduler(t, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	h.notifier.failures = 2
	ctx := context.Background()

	res, _ := h.sched.Schedule(ctx, recRequest(models.CategoryBreathing, "box", models.PriorityNormal))

	if n, _ := h.sched.DispatchDue(ctx); n != 0 {
		t.Fatalf("expected failed dispatch, got %d", n)
	}
	got, _ := h.db.GetNotification(ctx, res.Notification.ID)
	if got.Status != models.StatusPending || got.Attempts != 1 {
		t.Fatalf("expected pending retry, got %s attempts=%d", got.Status, got.Attempts)
	}
	if want := h.clock.Now().Add(DefaultRetryBackoff); !got.DispatchAt.Equal(want) {
		t.Errorf("retry at %s, want %s", got.DispatchAt, want)
	}

	// not due until the backoff elapses
	h.clock.Advance(30 * time.Second)
	h.sched.DispatchDue(ctx)
	got, _ = h.db.GetNotification(ctx, res.Notification.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("retried too early: %s", got.Status)
	}

	h.clock.Advance(30 * time.Second)
	h.sched.DispatchDue(ctx)
	got, _ = h.db.GetNotification(ctx, res.Notification.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled after retry, got %s", got.Status)
	}
	if got.Reason == "" {
		t.Error("expected failure reason recorded")
	}

	entries, _ := h.audit.Entries()
	last := entries[len(entries)-1]
	if last.Event != audit.EventCancelled {
		t.Errorf("expected cancellation audited, got %s", last.Event)
	}
}

func TestDispatchRetrySucceeds(t *testing.T) {
	h := setupScheduler(t, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	h.notifier.failures = 1
	ctx := context.Background()

	res, _ := h.sched.Schedule(ctx, recRequest(models.CategoryBreathing, "box", models.PriorityNormal))
	h.sched.DispatchDue(ctx)
	h.clock.Advance(DefaultRetryBackoff)

	if n, _ := h.sched.DispatchDue(ctx); n != 1 {
		t.Fatalf("expected retry to dispatch, got %d", n)
	}
	got, _ := h.db.GetNotification(ctx, res.Notification.ID)
	if got.Status != models.StatusDispatched {
		t.Errorf("expected dispatched, got %s", got.Status)
	}
}

func TestDispatchTimeout(t *testing.T) {
	h := setupScheduler(t, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	h.sched.timeout = 50 * time.Millisecond
	h.notifier.block = true
	ctx := context.Background()

	res, _ := h.sched.Schedule(ctx, recRequest(models.CategoryBreathing, "box", models.PriorityNormal))
	if n, _ := h.sched.DispatchDue(ctx); n != 0 {
		t.Fatalf("expected timeout failure, got %d", n)
	}

	got, _ := h.db.GetNotification(ctx, res.Notification.ID)
	if got.Attempts != 1 {
		t.Errorf("expected a recorded attempt, got %d", got.Attempts)
	}
}

func TestDispatchRechecksQuietHours(t *testing.T) {
	h := setupScheduler(t, time.Date(2026, 3, 10, 21, 0, 0, 0, time.UTC))
	ctx := context.Background()

	routine, _ := h.sched.Schedule(ctx, recRequest(models.CategoryBreathing, "box", models.PriorityNormal))
	crisis, _ := h.sched.Schedule(ctx, recRequest(models.CategoryEmergency, "sponsor", models.PriorityCritical))

	// the tick runs late, after quiet hours began
	h.clock.Advance(90 * time.Minute)

	n, err := h.sched.DispatchDue(ctx)
	if err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the critical entry dispatched, got %d", n)
	}

	got, _ := h.db.GetNotification(ctx, routine.Notification.ID)
	if got.Status != models.StatusPending {
		t.Errorf("routine entry should stay pending, got %s", got.Status)
	}
	if want := time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC); !got.DispatchAt.Equal(want) {
		t.Errorf("routine entry moved to %s, want %s", got.DispatchAt, want)
	}

	got, _ = h.db.GetNotification(ctx, crisis.Notification.ID)
	if got.Status != models.StatusDispatched {
		t.Errorf("critical entry should dispatch in quiet hours, got %s", got.Status)
	}
}

func TestCancelDisabled(t *testing.T) {
	h := setupScheduler(t, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	breathing, _ := h.sched.Schedule(ctx, recRequest(models.CategoryBreathing, "box", models.PriorityNormal))
	social, _ := h.sched.Schedule(ctx, recRequest(models.CategorySocial, "call", models.PriorityNormal))

	prefs := models.DefaultPreferences()
	prefs.CategoryToggles[models.CategoryBreathing] = false
	h.db.SavePreferences(ctx, prefs, h.clock.Now())

	n, err := h.sched.CancelDisabled(ctx)
	if err != nil {
		t.Fatalf("CancelDisabled failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 cancelled, got %d", n)
	}

	got, _ := h.db.GetNotification(ctx, breathing.Notification.ID)
	if got.Status != models.StatusCancelled || got.Reason != "category disabled" {
		t.Errorf("unexpected breathing entry %s/%s", got.Status, got.Reason)
	}
	got, _ = h.db.GetNotification(ctx, social.Notification.ID)
	if got.Status != models.StatusPending {
		t.Errorf("social entry should remain pending, got %s", got.Status)
	}
}

func TestDismiss(t *testing.T) {
	h := setupScheduler(t, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	res, _ := h.sched.Schedule(ctx, recRequest(models.CategoryBreathing, "box", models.PriorityNormal))

	got, err := h.sched.Dismiss(ctx, res.Notification.ID)
	if err != nil {
		t.Fatalf("Dismiss failed: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}

	if _, err := h.sched.Dismiss(ctx, res.Notification.ID); !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending, got %v", err)
	}
	if _, err := h.sched.Dismiss(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecoverFromLedger(t *testing.T) {
	h := setupScheduler(t, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	h.sched.Schedule(ctx, recRequest(models.CategoryBreathing, "box", models.PriorityNormal))
	h.sched.Schedule(ctx, recRequest(models.CategorySocial, "call", models.PriorityNormal))

	// a fresh scheduler over the same ledger, as after a restart
	restarted := NewScheduler(h.db, h.notifier, nil, h.clock, Config{})
	n, err := restarted.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 recovered, got %d", n)
	}

	h.clock.Advance(7 * time.Hour)
	if sent, _ := restarted.DispatchDue(ctx); sent != 2 {
		t.Errorf("expected restarted scheduler to dispatch both, got %d", sent)
	}
}
