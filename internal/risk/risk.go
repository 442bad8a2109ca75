package risk

import (
	"github.com/mrwolf/anchor-server/internal/models"
)

// Factor names
const (
	FactorLowMood        = "low mood"
	FactorHighStress     = "high stress"
	FactorPoorSleep      = "poor sleep"
	FactorLowSupport     = "low social support"
	FactorStrongCraving  = "strong craving"
	FactorHighRiskWindow = "high-risk time window"
)

const maxScore = 100

// Config holds the hand-tuned weights and level thresholds. Scores at or
// below a threshold take that level; anything above HighMax is critical.
type Config struct {
	LowMood       int
	HighStress    int
	PoorSleep     int
	LowSupport    int
	StrongCraving int
	PatternWindow int

	LowMax    int
	MediumMax int
	HighMax   int

	Resources []string
}

// DefaultConfig returns the stock weight table
func DefaultConfig() Config {
	return Config{
		LowMood:       25,
		HighStress:    20,
		PoorSleep:     15,
		LowSupport:    20,
		StrongCraving: 30,
		PatternWindow: 10,

		LowMax:    20,
		MediumMax: 50,
		HighMax:   80,

		Resources: []string{
			"Call your sponsor or a trusted contact now",
			"National crisis line: call or text 988",
			"Emergency services: 911",
			"Go to a safe, public place and stay with someone",
		},
	}
}

// Scorer maps signal snapshots to risk assessments. It holds no mutable
// state; identical inputs always give identical output.
type Scorer struct {
	cfg Config
}

// NewScorer creates a scorer with the given weight table
func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Config returns the scorer's weight table
func (s *Scorer) Config() Config {
	return s.cfg
}

// Assess scores a single snapshot
func (s *Scorer) Assess(snap models.SignalSnapshot) models.RiskAssessment {
	return s.assess(snapshotFactors(s.cfg, snap))
}

// AssessInContext scores a snapshot plus an extra factor when the snapshot
// falls inside a flagged high-risk window. A nil pattern adds nothing.
func (s *Scorer) AssessInContext(snap models.SignalSnapshot, window *models.TriggerPattern) models.RiskAssessment {
	factors := snapshotFactors(s.cfg, snap)
	if window != nil && s.cfg.PatternWindow > 0 {
		factors = append(factors, models.RiskFactor{Name: FactorHighRiskWindow, Weight: s.cfg.PatternWindow})
	}
	return s.assess(factors)
}

// Level classifies a score using the configured thresholds
func (s *Scorer) Level(score int) models.RiskLevel {
	switch {
	case score <= s.cfg.LowMax:
		return models.RiskLow
	case score <= s.cfg.MediumMax:
		return models.RiskMedium
	case score <= s.cfg.HighMax:
		return models.RiskHigh
	default:
		return models.RiskCritical
	}
}

func (s *Scorer) assess(factors []models.RiskFactor) models.RiskAssessment {
	score := 0
	for _, f := range factors {
		score += f.Weight
	}
	score = clamp(score, 0, maxScore)

	a := models.RiskAssessment{
		Level:   s.Level(score),
		Score:   score,
		Factors: factors,
	}
	if a.Level == models.RiskCritical {
		a.EmergencyContactsRequired = true
		a.Resources = append([]string(nil), s.cfg.Resources...)
	}
	return a
}

func snapshotFactors(cfg Config, snap models.SignalSnapshot) []models.RiskFactor {
	factors := []models.RiskFactor{}
	add := func(hit bool, name string, weight int) {
		if hit {
			factors = append(factors, models.RiskFactor{Name: name, Weight: weight})
		}
	}

	add(snap.Mood <= 2, FactorLowMood, cfg.LowMood)
	add(snap.Stress >= 4, FactorHighStress, cfg.HighStress)
	add(snap.SleepQuality <= 2, FactorPoorSleep, cfg.PoorSleep)
	add(snap.SocialSupport <= 2, FactorLowSupport, cfg.LowSupport)
	add(snap.CravingLevel >= 4, FactorStrongCraving, cfg.StrongCraving)

	return factors
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
