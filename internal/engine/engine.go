package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/mrwolf/anchor-server/internal/audit"
	"github.com/mrwolf/anchor-server/internal/catalog"
	"github.com/mrwolf/anchor-server/internal/db"
	"github.com/mrwolf/anchor-server/internal/feedback"
	"github.com/mrwolf/anchor-server/internal/models"
	"github.com/mrwolf/anchor-server/internal/notify"
	"github.com/mrwolf/anchor-server/internal/ranker"
	"github.com/mrwolf/anchor-server/internal/risk"
	"github.com/mrwolf/anchor-server/internal/signals"
)

// Defaults
const (
	DefaultHistoryWindow    = 30 * 24 * time.Hour
	DefaultAvailableMinutes = 15
	DefaultMaxSignalAge     = 48 * time.Hour

	passTimeout     = 2 * time.Minute
	recentRankLimit = 200

	sourceCrisis = "crisis-resources"
)

// Config tunes the engine
type Config struct {
	Location         *time.Location
	AvailableMinutes int
	HistoryWindow    time.Duration
	// MaxSignalAge is how old the latest snapshot may be before passes stop
	// scheduling from it
	MaxSignalAge     time.Duration
}

// Insight is the analysis of the current signal history
type Insight struct {
	Latest           *models.SignalSnapshot  `json:"latest,omitempty"`
	Assessment       *models.RiskAssessment  `json:"assessment,omitempty"`
	Patterns         []models.TriggerPattern `json:"patterns"`
	Summary          models.EmotionalSummary `json:"summary"`
	Streak           signals.Streak          `json:"streak"`
	InsufficientData bool                    `json:"insufficient_data"`
	Stale            bool                    `json:"stale"`
	ActiveWindow     *models.TriggerPattern  `json:"active_window,omitempty"`
}

// PassReport describes one scheduling pass
type PassReport struct {
	Reason          string                         `json:"reason"`
	StartedAt       time.Time                      `json:"started_at"`
	Insight         Insight                        `json:"insight"`
	Recommendations []models.Recommendation        `json:"recommendations"`
	Scheduled       []models.ScheduledNotification `json:"scheduled"`
	Cancelled       int                            `json:"cancelled"`
}

// Engine wires the signal store, analyzer, scorer, ranker, notification
// scheduler and feedback loop. One engine is built per process and shared.
type Engine struct {
	db       *db.DB
	catalog  *catalog.Catalog
	analyzer *signals.Analyzer
	scorer   *risk.Scorer
	ranker   *ranker.Ranker
	feedback *feedback.Loop
	notify   *notify.Scheduler
	audit    *audit.Log
	clock    clockwork.Clock
	cfg      Config

	passes singleflight.Group
	dirty  atomic.Bool
	async  sync.WaitGroup

	mu         sync.RWMutex
	recent     map[string]models.Recommendation
	recentIDs  []string
	lastReport *PassReport
}

// Deps are the collaborators an engine is built from
type Deps struct {
	DB       *db.DB
	Catalog  *catalog.Catalog
	Scorer   *risk.Scorer
	Ranker   *ranker.Ranker
	Feedback *feedback.Loop
	Notify   *notify.Scheduler
	Audit    *audit.Log
	Clock    clockwork.Clock
}

// New creates an engine
func New(deps Deps, cfg Config) *Engine {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.AvailableMinutes <= 0 {
		cfg.AvailableMinutes = DefaultAvailableMinutes
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.MaxSignalAge <= 0 {
		cfg.MaxSignalAge = DefaultMaxSignalAge
	}
	return &Engine{
		db:       deps.DB,
		catalog:  deps.Catalog,
		analyzer: signals.NewAnalyzer(cfg.Location),
		scorer:   deps.Scorer,
		ranker:   deps.Ranker,
		feedback: deps.Feedback,
		notify:   deps.Notify,
		audit:    deps.Audit,
		clock:    deps.Clock,
		cfg:      cfg,
		recent:   make(map[string]models.Recommendation),
	}
}

// Start loads learned state and recovers pending notifications from the ledger
func (e *Engine) Start(ctx context.Context) error {
	if err := e.feedback.Load(ctx); err != nil {
		return err
	}
	if _, err := e.notify.Recover(ctx); err != nil {
		return err
	}
	return nil
}

// Wait blocks until background passes finish
func (e *Engine) Wait() {
	e.async.Wait()
}

// Catalog returns the intervention catalog
func (e *Engine) Catalog() *catalog.Catalog {
	return e.catalog
}

// Notifications returns the notification scheduler
func (e *Engine) Notifications() *notify.Scheduler {
	return e.notify
}

// IngestSignal validates and stores a snapshot, then triggers a pass in the
// background. Invalid snapshots are logged and discarded.
func (e *Engine) IngestSignal(ctx context.Context, s models.SignalSnapshot) error {
	if s.Timestamp.IsZero() {
		s.Timestamp = e.clock.Now()
	}
	if err := signals.ValidateSnapshot(s); err != nil {
		log.Printf("Engine: discarded signal: %v", err)
		return err
	}
	if err := e.db.AppendSignal(ctx, s); err != nil {
		return fmt.Errorf("storing signal: %w", err)
	}
	e.TriggerPass("signal")
	return nil
}

// TriggerPass runs a pass in the background. Triggers that arrive while a
// pass is running fold into one follow-up pass.
func (e *Engine) TriggerPass(reason string) {
	e.dirty.Store(true)
	e.async.Add(1)
	go func() {
		defer e.async.Done()
		ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
		defer cancel()
		if _, err := e.RunPass(ctx, reason); err != nil {
			log.Printf("Engine: %s pass failed: %v", reason, err)
		}
	}()
}

// RunPass runs one scheduling pass. Overlapping callers share a single
// execution; de-duplication in the ledger makes repeats harmless.
func (e *Engine) RunPass(ctx context.Context, reason string) (*PassReport, error) {
	v, err, _ := e.passes.Do("pass", func() (interface{}, error) {
		var report *PassReport
		for {
			e.dirty.Store(false)
			r, err := e.runPass(ctx, reason)
			if err != nil {
				return nil, err
			}
			report = r
			if !e.dirty.Load() {
				return report, nil
			}
			reason = "follow-up"
		}
	})
	if err != nil {
		return nil, err
	}
	return v.(*PassReport), nil
}

func (e *Engine) runPass(ctx context.Context, reason string) (report *PassReport, err error) {
	now := e.clock.Now()
	report = &PassReport{Reason: reason, StartedAt: now}

	runID, err := e.db.StartSchedulerRun(ctx, "pass", now)
	if err != nil {
		return nil, fmt.Errorf("recording pass: %w", err)
	}
	defer func() {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		if cerr := e.db.CompleteSchedulerRun(context.Background(), runID, e.clock.Now(), msg); cerr != nil {
			log.Printf("Engine: failed to complete pass record: %v", cerr)
		}
	}()

	if report.Cancelled, err = e.notify.CancelDisabled(ctx); err != nil {
		return nil, err
	}

	insight, err := e.analyze(ctx, now)
	if err != nil {
		return nil, err
	}
	report.Insight = *insight
	if insight.Assessment == nil {
		log.Printf("Engine: %s pass skipped, no signals yet", reason)
		e.setLastReport(report)
		return report, nil
	}

	prefs, err := e.db.GetPreferences(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading preferences: %w", err)
	}
	recs := e.rank(*insight.Assessment, prefs, e.cfg.AvailableMinutes, 0)
	report.Recommendations = recs

	a := insight.Assessment
	if insight.Stale {
		log.Printf("Engine: %s pass skipped, latest signal from %s is stale",
			reason, insight.Latest.Timestamp.Format(time.RFC3339))
		e.setLastReport(report)
		return report, nil
	}
	critical := a.Level == models.RiskCritical

	if critical {
		e.schedule(ctx, report, notify.Request{
			Payload: models.Payload{Message: &models.Message{
				Kind:  models.CategoryEmergency,
				Title: "You don't have to face this alone",
				Body:  strings.Join(a.Resources, "\n"),
			}},
			Category:        models.CategoryEmergency,
			SourceID:        sourceCrisis,
			Priority:        models.PriorityCritical,
			CriticalContext: true,
		})
	}

	if top, ok := topForSchedule(recs, critical); ok {
		e.schedule(ctx, report, notify.Request{
			Payload:         models.Payload{Recommendation: &top},
			Category:        top.Category,
			SourceID:        top.SourceID,
			Priority:        models.PriorityForUrgency(top.Urgency),
			CriticalContext: critical,
		})
	}

	if insight.Streak.Reached {
		e.schedule(ctx, report, notify.Request{
			Payload: models.Payload{Message: &models.Message{
				Kind:  models.CategoryMilestone,
				Title: milestoneTitle(insight.Streak.Milestone),
				Body:  fmt.Sprintf("%d positive days in a row.", insight.Streak.Days),
			}},
			Category:        models.CategoryMilestone,
			SourceID:        fmt.Sprintf("streak-%d", insight.Streak.Milestone),
			Priority:        models.PriorityNormal,
			CriticalContext: critical,
		})
	}

	log.Printf("Engine: %s pass done: risk=%s score=%d recs=%d scheduled=%d cancelled=%d",
		reason, a.Level, a.Score, len(recs), len(report.Scheduled), report.Cancelled)
	e.setLastReport(report)
	return report, nil
}

// schedule places one request and records the result; conflicts and
// disabled categories are resolved locally
func (e *Engine) schedule(ctx context.Context, report *PassReport, req notify.Request) {
	res, err := e.notify.Schedule(ctx, req)
	if errors.Is(err, notify.ErrCategoryDisabled) {
		log.Printf("Engine: skipped %s: %v", req.SourceID, err)
		return
	}
	if err != nil {
		log.Printf("Engine: failed to schedule %s: %v", req.SourceID, err)
		return
	}
	if res.Created {
		report.Scheduled = append(report.Scheduled, res.Notification)
	}
}

// Analyze returns the current insight without scheduling anything
func (e *Engine) Analyze(ctx context.Context) (*Insight, error) {
	return e.analyze(ctx, e.clock.Now())
}

func (e *Engine) analyze(ctx context.Context, now time.Time) (*Insight, error) {
	latest, err := e.db.LatestSignal(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading latest signal: %w", err)
	}
	insight := &Insight{Latest: latest}
	if latest == nil {
		insight.InsufficientData = true
		return insight, nil
	}
	insight.Stale = now.Sub(latest.Timestamp) > e.cfg.MaxSignalAge

	to := now
	if latest.Timestamp.After(to) {
		to = latest.Timestamp
	}
	history, err := e.db.QueryRange(ctx, now.Add(-e.cfg.HistoryWindow), to.Add(time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	patterns, err := e.analyzer.AnalyzeTimePatterns(history)
	if errors.Is(err, models.ErrInsufficientData) {
		insight.InsufficientData = true
	} else if err != nil {
		return nil, err
	}
	insight.Patterns = patterns

	// a short history still yields a usable partial summary
	insight.Summary, _ = e.analyzer.AnalyzeEmotionalTriggers(history)
	if insight.Streak, err = e.streak(ctx, now, to); err != nil {
		return nil, err
	}

	if p, ok := e.analyzer.MatchPattern(patterns, now); ok {
		insight.ActiveWindow = &p
	}
	a := e.scorer.AssessInContext(*latest, insight.ActiveWindow)
	insight.Assessment = &a

	return insight, nil
}

// streak reads far enough back for the longest milestone, independent of
// the pattern window
func (e *Engine) streak(ctx context.Context, now, to time.Time) (signals.Streak, error) {
	local := now.In(e.cfg.Location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.cfg.Location)
	from := midnight.AddDate(0, 0, -signals.MaxMilestone())

	history, err := e.db.QueryRange(ctx, from, to.Add(time.Millisecond))
	if err != nil {
		return signals.Streak{}, fmt.Errorf("loading streak history: %w", err)
	}
	return e.analyzer.DetectStreak(history, now), nil
}

// Recommend ranks interventions for the current state without scheduling
func (e *Engine) Recommend(ctx context.Context, minutes, limit int) ([]models.Recommendation, *Insight, error) {
	insight, err := e.Analyze(ctx)
	if err != nil {
		return nil, nil, err
	}

	a := models.RiskAssessment{Level: models.RiskLow, Factors: []models.RiskFactor{}}
	if insight.Assessment != nil {
		a = *insight.Assessment
	}
	prefs, err := e.db.GetPreferences(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("loading preferences: %w", err)
	}
	if minutes <= 0 {
		minutes = e.cfg.AvailableMinutes
	}
	return e.rank(a, prefs, minutes, limit), insight, nil
}

func (e *Engine) rank(a models.RiskAssessment, prefs models.Preferences, minutes, limit int) []models.Recommendation {
	recs := e.ranker.Rank(ranker.Context{
		AvailableMinutes: minutes,
		Limit:            limit,
		Preferences:      prefs,
	}, a, e.catalog.ListCandidates(""), e.feedback.Weights())
	e.remember(recs)
	return recs
}

// remember keeps recent recommendations so outcomes can be attributed to
// ones that were shown but never scheduled
func (e *Engine) remember(recs []models.Recommendation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range recs {
		e.recent[r.ID] = r
		e.recentIDs = append(e.recentIDs, r.ID)
	}
	for len(e.recentIDs) > recentRankLimit {
		delete(e.recent, e.recentIDs[0])
		e.recentIDs = e.recentIDs[1:]
	}
}

func (e *Engine) lookupRecommendation(ctx context.Context, id string) (models.Recommendation, error) {
	n, err := e.db.FindByRecommendation(ctx, id)
	if err == nil && n.Payload.Recommendation != nil {
		return *n.Payload.Recommendation, nil
	}
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return models.Recommendation{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if r, ok := e.recent[id]; ok {
		return r, nil
	}
	return models.Recommendation{}, fmt.Errorf("recommendation %s: %w", id, models.ErrNotFound)
}

// RecordOutcome attributes an outcome to its recommendation and feeds it to
// the feedback loop. It returns the category weight after the update.
func (e *Engine) RecordOutcome(ctx context.Context, o models.OutcomeRecord) (float64, error) {
	if o.RecommendationID == "" {
		return 0, fmt.Errorf("%w: recommendation id required", models.ErrInvalidInput)
	}
	rec, err := e.lookupRecommendation(ctx, o.RecommendationID)
	if err != nil {
		return 0, err
	}
	return e.feedback.RecordOutcome(ctx, rec, o)
}

// RecordPerformance adjusts adaptive difficulty for an activity
func (e *Engine) RecordPerformance(ctx context.Context, p models.PerformanceRecord) (float64, error) {
	return e.feedback.RecordPerformance(ctx, p)
}

// Preferences returns the stored preferences
func (e *Engine) Preferences(ctx context.Context) (models.Preferences, error) {
	return e.db.GetPreferences(ctx)
}

// SavePreferences validates and stores preferences, then cancels pending
// entries in categories that are now disabled
func (e *Engine) SavePreferences(ctx context.Context, prefs models.Preferences) error {
	if _, err := notify.ParseQuietHours(prefs.QuietHours); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	switch prefs.Frequency {
	case models.FrequencyMinimal, models.FrequencyNormal, models.FrequencyFrequent:
	default:
		return fmt.Errorf("%w: unknown frequency %q", models.ErrInvalidInput, prefs.Frequency)
	}
	if prefs.CategoryToggles == nil {
		prefs.CategoryToggles = map[string]bool{}
	}

	if err := e.db.SavePreferences(ctx, prefs, e.clock.Now()); err != nil {
		return fmt.Errorf("saving preferences: %w", err)
	}
	n, err := e.notify.CancelDisabled(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("Engine: preferences change cancelled %d pending notifications", n)
	}
	return nil
}

// DispatchDue hands due notifications to the notifier
func (e *Engine) DispatchDue(ctx context.Context) (int, error) {
	return e.notify.DispatchDue(ctx)
}

// SnapshotWeights writes the learned tables to the audit directory
func (e *Engine) SnapshotWeights(ctx context.Context) error {
	if e.audit == nil {
		return nil
	}
	now := e.clock.Now()
	runID, err := e.db.StartSchedulerRun(ctx, "snapshot", now)
	if err != nil {
		return err
	}
	err = e.audit.WriteWeightsSnapshot(e.feedback.Weights(), e.feedback.Difficulties(), now)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if cerr := e.db.CompleteSchedulerRun(ctx, runID, e.clock.Now(), msg); cerr != nil {
		log.Printf("Engine: failed to complete snapshot record: %v", cerr)
	}
	return err
}

// LastReport returns the most recent pass report, if any
func (e *Engine) LastReport() *PassReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastReport
}

// ListNotifications returns ledger entries, newest dispatch time first
func (e *Engine) ListNotifications(ctx context.Context, status models.NotificationStatus, limit int) ([]models.ScheduledNotification, error) {
	return e.db.ListNotifications(ctx, status, limit)
}

// Signals returns stored snapshots in [from, to)
func (e *Engine) Signals(ctx context.Context, from, to time.Time) ([]models.SignalSnapshot, error) {
	return e.db.QueryRange(ctx, from, to)
}

// Health pings the database
func (e *Engine) Health(ctx context.Context) error {
	return e.db.Ping(ctx)
}

func (e *Engine) setLastReport(r *PassReport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastReport = r
}

// topForSchedule picks the recommendation to notify about. At critical risk
// the crisis message already owns the emergency bucket.
func topForSchedule(recs []models.Recommendation, critical bool) (models.Recommendation, bool) {
	for _, r := range recs {
		if critical && r.Category == models.CategoryEmergency {
			continue
		}
		return r, true
	}
	return models.Recommendation{}, false
}

func milestoneTitle(days int) string {
	if days == 1 {
		return "First day strong"
	}
	return fmt.Sprintf("%d days strong", days)
}
