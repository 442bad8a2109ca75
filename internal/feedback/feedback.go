package feedback

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mrwolf/anchor-server/internal/db"
	"github.com/mrwolf/anchor-server/internal/models"
)

// Moving average and difficulty tuning
const (
	DefaultWeight = 0.5
	Retain        = 0.8
	Learn         = 0.2

	DefaultDifficulty = 1.0
	DifficultyStep    = 0.1
	MinDifficulty     = 0.5
	MaxDifficulty     = 3.0
	RaiseAbove        = 0.9
	LowerBelow        = 0.4
)

// Store is the persistence the loop writes through to
type Store interface {
	GetCategoryWeights(ctx context.Context) ([]db.CategoryWeight, error)
	UpsertCategoryWeight(ctx context.Context, category string, weight float64, now time.Time) error
	GetDifficulties(ctx context.Context) ([]db.ActivityDifficulty, error)
	UpsertDifficulty(ctx context.Context, activityID string, difficulty float64, now time.Time) error
	AppendOutcome(ctx context.Context, category string, o models.OutcomeRecord) error
}

// Loop is the only component that mutates category weights and activity
// difficulty. Everything else reads snapshots.
type Loop struct {
	mu         sync.RWMutex
	store      Store
	clock      clockwork.Clock
	weights    map[string]float64
	difficulty map[string]float64
}

// New creates a feedback loop; call Load before serving reads
func New(store Store, clock clockwork.Clock) *Loop {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Loop{
		store:      store,
		clock:      clock,
		weights:    make(map[string]float64),
		difficulty: make(map[string]float64),
	}
}

// Load fills the in-memory tables from the store
func (l *Loop) Load(ctx context.Context) error {
	weights, err := l.store.GetCategoryWeights(ctx)
	if err != nil {
		return fmt.Errorf("loading category weights: %w", err)
	}
	diffs, err := l.store.GetDifficulties(ctx)
	if err != nil {
		return fmt.Errorf("loading difficulties: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.weights = make(map[string]float64, len(weights))
	for _, w := range weights {
		l.weights[w.Category] = w.Weight
	}
	l.difficulty = make(map[string]float64, len(diffs))
	for _, d := range diffs {
		l.difficulty[d.ActivityID] = d.Difficulty
	}

	log.Printf("Feedback: loaded %d category weights, %d difficulty entries", len(l.weights), len(l.difficulty))
	return nil
}

// NextWeight applies one moving-average step, clamped to [0,1]
func NextWeight(old, delta float64) float64 {
	return clamp(old*Retain+delta*Learn, 0, 1)
}

// NextDifficulty applies one performance observation to a difficulty value
func NextDifficulty(old, score, target float64) float64 {
	ratio := score / target
	switch {
	case ratio > RaiseAbove:
		old += DifficultyStep
	case ratio < LowerBelow:
		old -= DifficultyStep
	}
	return clamp(old, MinDifficulty, MaxDifficulty)
}

// RecordOutcome appends the outcome and, when the recommendation was
// delivered, folds its effectiveness into the category weight. It returns
// the category weight after the update.
func (l *Loop) RecordOutcome(ctx context.Context, rec models.Recommendation, o models.OutcomeRecord) (float64, error) {
	if o.RecommendationID == "" {
		o.RecommendationID = rec.ID
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = l.clock.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.AppendOutcome(ctx, rec.Category, o); err != nil {
		return 0, fmt.Errorf("appending outcome: %w", err)
	}

	old, ok := l.weights[rec.Category]
	if !ok {
		old = DefaultWeight
	}
	if !o.Delivered {
		return old, nil
	}

	next := NextWeight(old, o.EffectivenessDelta)
	if err := l.store.UpsertCategoryWeight(ctx, rec.Category, next, l.clock.Now()); err != nil {
		return old, fmt.Errorf("storing category weight: %w", err)
	}
	l.weights[rec.Category] = next

	log.Printf("Feedback: %s weight %.3f -> %.3f (delta %.2f)", rec.Category, old, next, o.EffectivenessDelta)
	return next, nil
}

// RecordPerformance adjusts the difficulty parameter of an activity and
// returns the new value
func (l *Loop) RecordPerformance(ctx context.Context, p models.PerformanceRecord) (float64, error) {
	if p.ActivityID == "" {
		return 0, fmt.Errorf("%w: activity id required", models.ErrInvalidInput)
	}
	if p.TargetScore <= 0 {
		return 0, fmt.Errorf("%w: target score must be positive", models.ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	old, ok := l.difficulty[p.ActivityID]
	if !ok {
		old = DefaultDifficulty
	}
	next := NextDifficulty(old, p.Score, p.TargetScore)
	if next == old && ok {
		return old, nil
	}

	if err := l.store.UpsertDifficulty(ctx, p.ActivityID, next, l.clock.Now()); err != nil {
		return old, fmt.Errorf("storing difficulty: %w", err)
	}
	l.difficulty[p.ActivityID] = next

	log.Printf("Feedback: %s difficulty %.1f -> %.1f (ratio %.2f)", p.ActivityID, old, next, p.Score/p.TargetScore)
	return next, nil
}

// Weights returns a copy of the learned category weights
func (l *Loop) Weights() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]float64, len(l.weights))
	for k, v := range l.weights {
		out[k] = v
	}
	return out
}

// Difficulties returns a copy of the activity difficulty table
func (l *Loop) Difficulties() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]float64, len(l.difficulty))
	for k, v := range l.difficulty {
		out[k] = v
	}
	return out
}

// Difficulty returns the difficulty parameter of an activity
func (l *Loop) Difficulty(activityID string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if d, ok := l.difficulty[activityID]; ok {
		return d
	}
	return DefaultDifficulty
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
