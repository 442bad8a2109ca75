package ranker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/mrwolf/anchor-server/internal/models"
	"github.com/mrwolf/anchor-server/internal/risk"
)

// DefaultLimit is the maximum number of recommendations returned
const DefaultLimit = 5

// Context is the situational input to a ranking call
type Context struct {
	AvailableMinutes int // <= 0 means no time budget
	Limit            int // <= 0 means DefaultLimit
	Preferences      models.Preferences
}

// Ranker turns an assessment and a catalog into ordered recommendations.
// It reads learned weights but never mutates them.
type Ranker struct {
	newID func() string
}

// Option configures a Ranker
type Option func(*Ranker)

// WithIDFunc overrides recommendation id generation
func WithIDFunc(fn func() string) Option {
	return func(r *Ranker) {
		r.newID = fn
	}
}

// New creates a ranker
func New(opts ...Option) *Ranker {
	r := &Ranker{newID: uuid.NewString}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BiasCategories returns the preferred categories for an assessment, or nil
// when any category is eligible.
func BiasCategories(a models.RiskAssessment) []string {
	switch a.Level {
	case models.RiskCritical, models.RiskHigh:
		return []string{models.CategoryDistraction, models.CategoryBreathing}
	}
	if hasFactor(a, risk.FactorLowMood) {
		return []string{models.CategoryMindfulness}
	}
	return nil
}

// Rank filters the candidates by time budget, category toggles and risk
// bias, then orders them by confidence*urgencyWeight. The result is never
// empty for a non-empty catalog.
func (r *Ranker) Rank(ctx Context, a models.RiskAssessment, candidates []models.CandidateIntervention, weights map[string]float64) []models.Recommendation {
	if len(candidates) == 0 {
		return nil
	}

	limit := ctx.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	var eligible []models.CandidateIntervention
	for _, c := range candidates {
		if ctx.AvailableMinutes > 0 && c.Duration > ctx.AvailableMinutes {
			continue
		}
		if !ctx.Preferences.CategoryEnabled(c.Category) {
			continue
		}
		// crisis content only surfaces when the assessment calls for it
		if c.Type == models.TypeEmergency && !a.EmergencyContactsRequired {
			continue
		}
		eligible = append(eligible, c)
	}

	bias := BiasCategories(a)
	biased := make(map[string]bool, len(bias))
	for _, cat := range bias {
		biased[cat] = true
	}
	if len(bias) > 0 {
		var preferred []models.CandidateIntervention
		for _, c := range eligible {
			if biased[c.Category] || c.Type == models.TypeEmergency {
				preferred = append(preferred, c)
			}
		}
		if len(preferred) > 0 {
			eligible = preferred
		}
	}

	if len(eligible) == 0 {
		fallback := lowestDifficulty(candidates)
		rec := r.build(fallback, a, weights, false)
		rec.Reasoning = "Nothing matched your current filters; this is the easiest option available"
		return []models.Recommendation{rec}
	}

	recs := make([]models.Recommendation, 0, len(eligible))
	for _, c := range eligible {
		recs = append(recs, r.build(c, a, weights, biased[c.Category]))
	}

	SortRecommendations(recs)

	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs
}

// SortRecommendations orders by score desc, then easier, then shorter, then id
func SortRecommendations(recs []models.Recommendation) {
	sort.SliceStable(recs, func(i, j int) bool {
		si, sj := recs[i].Score(), recs[j].Score()
		if si != sj {
			return si > sj
		}
		if di, dj := recs[i].Difficulty.Rank(), recs[j].Difficulty.Rank(); di != dj {
			return di < dj
		}
		if recs[i].TimeToComplete != recs[j].TimeToComplete {
			return recs[i].TimeToComplete < recs[j].TimeToComplete
		}
		return recs[i].SourceID < recs[j].SourceID
	})
}

// Confidence blends the catalog base with the learned category weight.
// Without a learned weight the base is returned unchanged.
func Confidence(base float64, weight float64, learned bool) float64 {
	if !learned {
		weight = base
	}
	return clamp01(0.5*base + 0.5*clamp01(weight))
}

func (r *Ranker) build(c models.CandidateIntervention, a models.RiskAssessment, weights map[string]float64, biased bool) models.Recommendation {
	w, learned := weights[c.Category]
	urgency := c.Urgency
	if biased {
		urgency = maxUrgency(urgency, urgencyForLevel(a.Level))
	}

	return models.Recommendation{
		ID:             r.newID(),
		SourceID:       c.ID,
		Type:           c.Type,
		Category:       c.Category,
		Title:          c.Title,
		Confidence:     Confidence(c.BaseConfidence, w, learned),
		Urgency:        urgency,
		TimeToComplete: c.Duration,
		Difficulty:     c.Difficulty,
		Reasoning:      reasoning(c, a, w, learned, biased),
	}
}

func reasoning(c models.CandidateIntervention, a models.RiskAssessment, w float64, learned, biased bool) string {
	parts := []string{fmt.Sprintf("%d-minute %s %s", c.Duration, c.Difficulty, c.Category)}
	if biased {
		parts = append(parts, fmt.Sprintf("suited to %s risk", a.Level))
	}
	if len(a.Factors) > 0 {
		names := make([]string, 0, len(a.Factors))
		for _, f := range a.Factors {
			names = append(names, f.Name)
		}
		parts = append(parts, "addresses "+strings.Join(names, ", "))
	}
	if learned {
		parts = append(parts, fmt.Sprintf("past effectiveness %.2f", w))
	}
	return strings.Join(parts, "; ")
}

func lowestDifficulty(candidates []models.CandidateIntervention) models.CandidateIntervention {
	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case c.Difficulty.Rank() < best.Difficulty.Rank():
			best = c
		case c.Difficulty.Rank() == best.Difficulty.Rank() && c.Duration < best.Duration:
			best = c
		case c.Difficulty.Rank() == best.Difficulty.Rank() && c.Duration == best.Duration && c.ID < best.ID:
			best = c
		}
	}
	return best
}

func urgencyForLevel(level models.RiskLevel) models.Urgency {
	switch level {
	case models.RiskCritical:
		return models.UrgencyCritical
	case models.RiskHigh:
		return models.UrgencyHigh
	case models.RiskMedium:
		return models.UrgencyMedium
	default:
		return models.UrgencyLow
	}
}

func maxUrgency(a, b models.Urgency) models.Urgency {
	if b.Weight() > a.Weight() {
		return b
	}
	return a
}

func hasFactor(a models.RiskAssessment, name string) bool {
	for _, f := range a.Factors {
		if f.Name == name {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
