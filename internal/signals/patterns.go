package signals

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mrwolf/anchor-server/internal/models"
)

// Analysis thresholds
const (
	// MinHistory is the number of entries below which analysis reports
	// insufficient data instead of patterns
	MinHistory = 5

	// MinPeriodSamples: a period needs more than this many observations
	MinPeriodSamples = 5

	// MinNegativeRatio: a period is flagged above this negative-outcome ratio
	MinNegativeRatio = 0.3

	maxContext = 3
)

var periodOrder = []models.TimeOfDay{models.Morning, models.Afternoon, models.Evening, models.Night}

// Analyzer mines signal history for recurring high-risk windows
type Analyzer struct {
	location *time.Location
}

// NewAnalyzer creates an analyzer that buckets hours in the given timezone
func NewAnalyzer(loc *time.Location) *Analyzer {
	if loc == nil {
		loc = time.UTC
	}
	return &Analyzer{location: loc}
}

// PeriodOf returns the time-of-day bucket of t in the analyzer's timezone
func (a *Analyzer) PeriodOf(t time.Time) models.TimeOfDay {
	return PeriodForHour(t.In(a.location).Hour())
}

// PeriodForHour maps an hour 0-23 onto a period
func PeriodForHour(hour int) models.TimeOfDay {
	switch {
	case hour >= 5 && hour < 12:
		return models.Morning
	case hour >= 12 && hour < 17:
		return models.Afternoon
	case hour >= 17 && hour < 22:
		return models.Evening
	default:
		return models.Night
	}
}

type periodStats struct {
	total    int
	negative int
	factors  map[string]int
}

// AnalyzeTimePatterns buckets entries by period and flags periods with enough
// samples and a high negative ratio. Patterns are recomputed from scratch on
// every call. Short history returns ErrInsufficientData; callers must not read
// an empty result as "no risk".
func (a *Analyzer) AnalyzeTimePatterns(history []models.SignalSnapshot) ([]models.TriggerPattern, error) {
	if len(history) < MinHistory {
		return nil, fmt.Errorf("%w: %d entries, need %d", models.ErrInsufficientData, len(history), MinHistory)
	}

	stats := make(map[models.TimeOfDay]*periodStats)
	for _, p := range periodOrder {
		stats[p] = &periodStats{factors: make(map[string]int)}
	}

	for _, s := range history {
		ps := stats[a.PeriodOf(s.Timestamp)]
		ps.total++
		if IsNegative(s) {
			ps.negative++
			for _, f := range outOfRange(s) {
				ps.factors[f]++
			}
		}
	}

	var patterns []models.TriggerPattern
	for _, period := range periodOrder {
		ps := stats[period]
		if ps.total <= MinPeriodSamples {
			continue
		}
		ratio := float64(ps.negative) / float64(ps.total)
		if ratio <= MinNegativeRatio {
			continue
		}
		patterns = append(patterns, models.TriggerPattern{
			Trigger:   fmt.Sprintf("%s window", period),
			Frequency: ps.negative,
			Severity:  int(math.Round(ratio * 10)),
			TimeOfDay: period,
			Context:   topFactors(ps.factors, maxContext),
		})
	}

	sort.SliceStable(patterns, func(i, j int) bool {
		return patterns[i].Severity > patterns[j].Severity
	})

	return patterns, nil
}

// AnalyzeEmotionalTriggers summarizes how often entries are negative and which
// dimensions drive them. With short history the partial summary is returned
// together with ErrInsufficientData.
func (a *Analyzer) AnalyzeEmotionalTriggers(history []models.SignalSnapshot) (models.EmotionalSummary, error) {
	summary := models.EmotionalSummary{SampleSize: len(history)}
	if len(history) == 0 {
		return summary, fmt.Errorf("%w: no entries", models.ErrInsufficientData)
	}

	var moodSum, negative int
	factors := make(map[string]int)
	for _, s := range history {
		moodSum += s.Mood
		if IsNegative(s) {
			negative++
			for _, f := range outOfRange(s) {
				factors[f]++
			}
		}
	}

	summary.AverageMood = float64(moodSum) / float64(len(history))
	summary.RiskRatio = float64(negative) / float64(len(history))
	summary.Dominant = topFactors(factors, maxContext)

	if len(history) < MinHistory {
		return summary, fmt.Errorf("%w: %d entries, need %d", models.ErrInsufficientData, len(history), MinHistory)
	}
	return summary, nil
}

// MatchPattern returns the flagged pattern for the period containing t, if any
func (a *Analyzer) MatchPattern(patterns []models.TriggerPattern, t time.Time) (models.TriggerPattern, bool) {
	period := a.PeriodOf(t)
	for _, p := range patterns {
		if p.TimeOfDay == period {
			return p, true
		}
	}
	return models.TriggerPattern{}, false
}

func topFactors(counts map[string]int, limit int) []string {
	names := make([]string, 0, len(counts))
	for name, c := range counts {
		if c > 0 {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > limit {
		names = names[:limit]
	}
	return names
}
