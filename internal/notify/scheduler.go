package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mrwolf/anchor-server/internal/audit"
	"github.com/mrwolf/anchor-server/internal/db"
	"github.com/mrwolf/anchor-server/internal/models"
)

// Scheduling defaults
const (
	DefaultNotifyTimeout = 5 * time.Second
	DefaultRetryBackoff  = 60 * time.Second
	CriticalSpacing      = 30 * time.Minute

	dayBucketFormat = "2006-01-02"
)

var (
	// ErrCategoryDisabled is returned when preferences turn a category off
	ErrCategoryDisabled = errors.New("category disabled")
	// ErrNotPending is returned when dismissing an entry that already left pending
	ErrNotPending = errors.New("notification is not pending")
)

// Spacing returns the minimum gap between notifications
func Spacing(f models.Frequency, criticalContext bool) time.Duration {
	if criticalContext {
		return CriticalSpacing
	}
	switch f {
	case models.FrequencyMinimal:
		return 12 * time.Hour
	case models.FrequencyFrequent:
		return 2 * time.Hour
	default:
		return 6 * time.Hour
	}
}

// Store is the ledger and preference storage the scheduler needs
type Store interface {
	GetPreferences(ctx context.Context) (models.Preferences, error)
	PlacePending(ctx context.Context, n models.ScheduledNotification, now time.Time) (*db.PlaceResult, error)
	UpdateIfPending(ctx context.Context, n models.ScheduledNotification, now time.Time) (bool, error)
	GetNotification(ctx context.Context, id string) (*models.ScheduledNotification, error)
	PendingNotifications(ctx context.Context) ([]models.ScheduledNotification, error)
	DueNotifications(ctx context.Context, now time.Time) ([]models.ScheduledNotification, error)
	LatestActivity(ctx context.Context, category, dayBucket string, criticalOnly bool) (time.Time, error)
}

// Config tunes the scheduler
type Config struct {
	Location      *time.Location
	NotifyTimeout time.Duration
	RetryBackoff  time.Duration
}

// Request asks for a payload to be delivered at a time
type Request struct {
	Payload  models.Payload
	Category string
	SourceID string
	Priority models.Priority
	// At is the requested dispatch time; zero means now
	At time.Time
	// CriticalContext collapses spacing to CriticalSpacing
	CriticalContext bool
}

// Result reports what Schedule did
type Result struct {
	Notification models.ScheduledNotification
	Created      bool
	Deferred     bool
}

// Scheduler owns every ScheduledNotification. All state lives in the
// ledger, so a restart resumes from what was persisted.
type Scheduler struct {
	store    Store
	notifier Notifier
	audit    *audit.Log
	clock    clockwork.Clock
	loc      *time.Location
	timeout  time.Duration
	backoff  time.Duration
	newID    func() string

	placeMu    sync.Mutex
	dispatchMu sync.Mutex
}

// NewScheduler creates a scheduler. A nil audit log disables the JSONL trail.
func NewScheduler(store Store, notifier Notifier, auditLog *audit.Log, clock clockwork.Clock, cfg Config) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	return &Scheduler{
		store:    store,
		notifier: notifier,
		audit:    auditLog,
		clock:    clock,
		loc:      cfg.Location,
		timeout:  cfg.NotifyTimeout,
		backoff:  cfg.RetryBackoff,
		newID:    uuid.NewString,
	}
}

// SetIDFunc overrides notification id generation
func (s *Scheduler) SetIDFunc(fn func() string) {
	s.newID = fn
}

// DayBucket returns the de-duplication day of t in the user's timezone
func (s *Scheduler) DayBucket(t time.Time) string {
	return t.In(s.loc).Format(dayBucketFormat)
}

// Schedule turns a request into a pending ledger entry. Preferences are read
// fresh on every call. An identical pending entry makes this a no-op; a
// different entry in the same (category, day) bucket is superseded.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (*Result, error) {
	if req.Category == "" {
		return nil, fmt.Errorf("category required")
	}
	if req.Payload.Recommendation == nil && req.Payload.Message == nil {
		return nil, fmt.Errorf("payload required")
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}

	prefs, err := s.store.GetPreferences(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading preferences: %w", err)
	}
	if !prefs.CategoryEnabled(req.Category) {
		return nil, fmt.Errorf("%w: %s", ErrCategoryDisabled, req.Category)
	}
	window, err := ParseQuietHours(prefs.QuietHours)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	requested := req.At
	if requested.IsZero() {
		requested = now
	}
	bucket := s.DayBucket(requested)

	n := models.ScheduledNotification{
		Category:    req.Category,
		DayBucket:   bucket,
		SourceID:    req.SourceID,
		Payload:     req.Payload,
		RequestedAt: requested,
		Priority:    req.Priority,
	}
	placed, deferred, err := s.place(ctx, n, prefs.Frequency, req.CriticalContext, window, now)
	if err != nil {
		return nil, err
	}
	if !placed.Created {
		log.Printf("Scheduler: %v: %s/%s already pending as %s", models.ErrSchedulingConflict, req.Category, bucket, placed.Placed.ID)
		return &Result{Notification: placed.Placed}, nil
	}

	for _, old := range placed.Superseded {
		log.Printf("Scheduler: cancelled %s (%s)", old.ID, old.Reason)
		s.record(audit.EventCancelled, old, now)
	}

	n = placed.Placed
	dispatchAt := n.DispatchAt

	log.Printf("Scheduler: scheduled %s [%s] %q for %s", n.ID, n.Priority, n.Payload.Title(), dispatchAt.Format(time.RFC3339))
	s.record(audit.EventScheduled, placed.Placed, now)
	if deferred {
		moved := placed.Placed
		moved.Status = models.StatusRescheduled
		log.Printf("Scheduler: rescheduled %s to %s (quiet hours)", n.ID, dispatchAt.Format(time.RFC3339))
		s.record(audit.EventRescheduled, moved, now)
	}

	return &Result{Notification: placed.Placed, Created: true, Deferred: deferred}, nil
}

// place spaces n after the latest activity and writes it to the ledger. The
// spacing anchor is read under placeMu so concurrent callers see each
// other's entries.
func (s *Scheduler) place(ctx context.Context, n models.ScheduledNotification, freq models.Frequency, criticalContext bool, window QuietWindow, now time.Time) (*db.PlaceResult, bool, error) {
	s.placeMu.Lock()
	defer s.placeMu.Unlock()

	// critical entries only space against other critical entries so a
	// deferred routine entry never delays crisis content
	critical := n.Priority == models.PriorityCritical
	naive := n.RequestedAt
	anchor, err := s.store.LatestActivity(ctx, n.Category, n.DayBucket, critical)
	if err != nil {
		return nil, false, fmt.Errorf("loading latest activity: %w", err)
	}
	if !anchor.IsZero() {
		if next := anchor.Add(Spacing(freq, criticalContext || critical)); next.After(naive) {
			naive = next
		}
	}

	dispatchAt, deferred := window.Adjust(naive.In(s.loc), n.Priority)
	n.ID = s.newID()
	n.DispatchAt = dispatchAt
	if deferred {
		n.Reason = "quiet hours until " + dispatchAt.Format("15:04")
	}

	placed, err := s.store.PlacePending(ctx, n, now)
	if err != nil {
		return nil, false, fmt.Errorf("placing notification: %w", err)
	}
	return placed, deferred, nil
}

// DispatchDue hands every due entry to the notifier. Quiet hours are checked
// again here because the clock has moved since scheduling. It returns the
// number of entries dispatched.
func (s *Scheduler) DispatchDue(ctx context.Context) (int, error) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	now := s.clock.Now()
	due, err := s.store.DueNotifications(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("loading due notifications: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	prefs, err := s.store.GetPreferences(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading preferences: %w", err)
	}
	window, err := ParseQuietHours(prefs.QuietHours)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, n := range due {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}

		if !prefs.CategoryEnabled(n.Category) {
			s.cancel(ctx, n, "category disabled", now)
			continue
		}

		if at, moved := window.Adjust(now.In(s.loc), n.Priority); moved {
			s.reschedule(ctx, n, at, now)
			continue
		}

		if err := s.deliver(ctx, n); err != nil {
			s.fail(ctx, n, err, now)
			continue
		}

		n.Status = models.StatusDispatched
		n.Reason = ""
		ok, err := s.store.UpdateIfPending(ctx, n, now)
		if err != nil {
			log.Printf("Scheduler: failed to mark %s dispatched: %v", n.ID, err)
			continue
		}
		if !ok {
			log.Printf("Scheduler: %s left pending while dispatching", n.ID)
			continue
		}
		dispatched++
		log.Printf("Scheduler: dispatched %s [%s] %q via %s", n.ID, n.Priority, n.Payload.Title(), s.notifier.Name())
		s.record(audit.EventDispatched, n, now)
	}

	return dispatched, nil
}

// deliver calls the notifier with a bounded deadline. A sink that ignores
// its context still counts as failed once the deadline passes.
func (s *Scheduler) deliver(ctx context.Context, n models.ScheduledNotification) error {
	dctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.notifier.Dispatch(dctx, n)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrDispatchFailure, err)
		}
		return nil
	case <-dctx.Done():
		return fmt.Errorf("%w: %v", models.ErrDispatchFailure, dctx.Err())
	}
}

// fail retries once after the backoff, then cancels
func (s *Scheduler) fail(ctx context.Context, n models.ScheduledNotification, cause error, now time.Time) {
	if n.Attempts == 0 {
		n.Attempts = 1
		n.DispatchAt = now.Add(s.backoff)
		n.Reason = cause.Error()
		if ok, err := s.store.UpdateIfPending(ctx, n, now); err != nil || !ok {
			log.Printf("Scheduler: failed to queue retry for %s: %v", n.ID, err)
			return
		}
		log.Printf("Scheduler: dispatch of %s failed, retrying at %s: %v", n.ID, n.DispatchAt.Format(time.RFC3339), cause)
		s.record(audit.EventRetry, n, now)
		return
	}

	n.Attempts++
	s.cancel(ctx, n, "dispatch failed: "+cause.Error(), now)
}

func (s *Scheduler) reschedule(ctx context.Context, n models.ScheduledNotification, at, now time.Time) {
	n.DispatchAt = at
	n.Reason = "quiet hours until " + at.Format("15:04")
	ok, err := s.store.UpdateIfPending(ctx, n, now)
	if err != nil || !ok {
		log.Printf("Scheduler: failed to reschedule %s: %v", n.ID, err)
		return
	}
	n.Status = models.StatusRescheduled
	log.Printf("Scheduler: rescheduled %s to %s (quiet hours)", n.ID, at.Format(time.RFC3339))
	s.record(audit.EventRescheduled, n, now)
}

func (s *Scheduler) cancel(ctx context.Context, n models.ScheduledNotification, reason string, now time.Time) bool {
	n.Status = models.StatusCancelled
	n.Reason = reason
	ok, err := s.store.UpdateIfPending(ctx, n, now)
	if err != nil {
		log.Printf("Scheduler: failed to cancel %s: %v", n.ID, err)
		return false
	}
	if !ok {
		return false
	}
	log.Printf("Scheduler: cancelled %s (%s)", n.ID, reason)
	s.record(audit.EventCancelled, n, now)
	return true
}

// CancelDisabled cancels every pending entry whose category the current
// preferences turn off. It returns the number cancelled.
func (s *Scheduler) CancelDisabled(ctx context.Context) (int, error) {
	prefs, err := s.store.GetPreferences(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading preferences: %w", err)
	}
	pending, err := s.store.PendingNotifications(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading pending notifications: %w", err)
	}

	now := s.clock.Now()
	cancelled := 0
	for _, n := range pending {
		if prefs.CategoryEnabled(n.Category) {
			continue
		}
		if s.cancel(ctx, n, "category disabled", now) {
			cancelled++
		}
	}
	return cancelled, nil
}

// Dismiss cancels a pending entry at the user's request
func (s *Scheduler) Dismiss(ctx context.Context, id string) (*models.ScheduledNotification, error) {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Status != models.StatusPending {
		return n, ErrNotPending
	}
	if !s.cancel(ctx, *n, "dismissed by user", s.clock.Now()) {
		return n, ErrNotPending
	}
	return s.store.GetNotification(ctx, id)
}

// Recover reports the pending entries persisted before a restart. Nothing is
// held in memory; entries that fell due while down go out on the next tick.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	pending, err := s.store.PendingNotifications(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading pending notifications: %w", err)
	}

	now := s.clock.Now()
	overdue := 0
	for _, n := range pending {
		if !n.DispatchAt.After(now) {
			overdue++
		}
	}
	log.Printf("Scheduler: recovered %d pending notifications (%d overdue)", len(pending), overdue)
	return len(pending), nil
}

// NotifierName returns the configured sink name
func (s *Scheduler) NotifierName() string {
	return s.notifier.Name()
}

func (s *Scheduler) record(event string, n models.ScheduledNotification, at time.Time) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(audit.NewEntry(event, n, at)); err != nil {
		log.Printf("Scheduler: audit write failed for %s: %v", n.ID, err)
	}
}
