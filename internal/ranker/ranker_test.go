package ranker

import (
	"fmt"
	"math"
	"testing"

	"github.com/mrwolf/anchor-server/internal/catalog"
	"github.com/mrwolf/anchor-server/internal/models"
	"github.com/mrwolf/anchor-server/internal/risk"
)

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("rec-%d", n)
	}
}

func cand(id, category string, base float64, urgency models.Urgency, duration int, difficulty models.Difficulty) models.CandidateIntervention {
	return models.CandidateIntervention{
		ID:             id,
		Type:           models.TypeTechnique,
		Category:       category,
		Title:          id,
		BaseConfidence: base,
		Urgency:        urgency,
		Duration:       duration,
		Difficulty:     difficulty,
	}
}

func testCandidates() []models.CandidateIntervention {
	emergency := cand("sponsor", models.CategoryEmergency, 0.95, models.UrgencyCritical, 5, models.DifficultyMedium)
	emergency.Type = models.TypeEmergency

	return []models.CandidateIntervention{
		cand("box", models.CategoryBreathing, 0.8, models.UrgencyMedium, 3, models.DifficultyEasy),
		cand("cold", models.CategoryDistraction, 0.7, models.UrgencyHigh, 2, models.DifficultyEasy),
		cand("scan", models.CategoryMindfulness, 0.7, models.UrgencyLow, 15, models.DifficultyMedium),
		cand("walk", models.CategoryPhysical, 0.75, models.UrgencyMedium, 20, models.DifficultyMedium),
		cand("workout", models.CategoryPhysical, 0.9, models.UrgencyLow, 45, models.DifficultyHard),
		cand("journal", models.CategoryJournaling, 0.6, models.UrgencyLow, 10, models.DifficultyEasy),
		emergency,
	}
}

func sourceIDs(recs []models.Recommendation) []string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.SourceID
	}
	return ids
}

func assertSorted(t *testing.T, recs []models.Recommendation) {
	t.Helper()
	for i := 1; i < len(recs); i++ {
		if recs[i].Score() > recs[i-1].Score() {
			t.Fatalf("not sorted at %d: %v", i, sourceIDs(recs))
		}
	}
}

func lowRisk() models.RiskAssessment {
	return models.RiskAssessment{Level: models.RiskLow, Factors: []models.RiskFactor{}}
}

func TestRankLowRisk(t *testing.T) {
	r := New(WithIDFunc(seqIDs()))
	recs := r.Rank(Context{AvailableMinutes: 60, Preferences: models.DefaultPreferences()}, lowRisk(), testCandidates(), nil)

	if len(recs) != DefaultLimit {
		t.Fatalf("expected %d recs, got %d", DefaultLimit, len(recs))
	}
	assertSorted(t, recs)

	for _, rec := range recs {
		if rec.Type == models.TypeEmergency {
			t.Error("emergency content surfaced at low risk")
		}
		if rec.ID == "" || rec.Reasoning == "" {
			t.Errorf("incomplete recommendation %+v", rec)
		}
	}

	// cold: 0.7 * high(3) outranks box: 0.8 * medium(2)
	if recs[0].SourceID != "cold" || recs[1].SourceID != "box" {
		t.Errorf("expected cold then box, got %v", sourceIDs(recs))
	}
}

func TestRankTimeBudget(t *testing.T) {
	r := New(WithIDFunc(seqIDs()))
	recs := r.Rank(Context{AvailableMinutes: 10, Preferences: models.DefaultPreferences()}, lowRisk(), testCandidates(), nil)

	for _, rec := range recs {
		if rec.TimeToComplete > 10 {
			t.Errorf("%s exceeds time budget", rec.SourceID)
		}
	}
}

func TestRankCategoryToggles(t *testing.T) {
	r := New(WithIDFunc(seqIDs()))
	prefs := models.DefaultPreferences()
	prefs.CategoryToggles[models.CategoryBreathing] = false

	recs := r.Rank(Context{AvailableMinutes: 60, Preferences: prefs}, lowRisk(), testCandidates(), nil)
	for _, rec := range recs {
		if rec.Category == models.CategoryBreathing {
			t.Error("disabled category returned")
		}
	}
}

func TestRankHighRiskBias(t *testing.T) {
	r := New(WithIDFunc(seqIDs()))
	a := models.RiskAssessment{Level: models.RiskHigh, Score: 60}

	recs := r.Rank(Context{AvailableMinutes: 60, Preferences: models.DefaultPreferences()}, a, testCandidates(), nil)
	if len(recs) != 2 {
		t.Fatalf("expected 2 biased recs, got %v", sourceIDs(recs))
	}
	for _, rec := range recs {
		if rec.Category != models.CategoryBreathing && rec.Category != models.CategoryDistraction {
			t.Errorf("unexpected category %s", rec.Category)
		}
		if rec.Urgency != models.UrgencyHigh {
			t.Errorf("%s urgency = %s, want high", rec.SourceID, rec.Urgency)
		}
	}
	// box 0.8*3 beats cold 0.7*3
	if recs[0].SourceID != "box" {
		t.Errorf("expected box first, got %v", sourceIDs(recs))
	}
}

func TestRankCriticalIncludesEmergency(t *testing.T) {
	r := New(WithIDFunc(seqIDs()))
	a := models.RiskAssessment{Level: models.RiskCritical, Score: 100, EmergencyContactsRequired: true}

	recs := r.Rank(Context{AvailableMinutes: 60, Preferences: models.DefaultPreferences()}, a, testCandidates(), nil)
	if recs[0].SourceID != "sponsor" {
		t.Errorf("expected sponsor first at critical, got %v", sourceIDs(recs))
	}
	for _, rec := range recs {
		if rec.Urgency != models.UrgencyCritical {
			t.Errorf("%s urgency = %s, want critical", rec.SourceID, rec.Urgency)
		}
	}
}

func TestRankLowMoodBias(t *testing.T) {
	r := New(WithIDFunc(seqIDs()))
	a := models.RiskAssessment{
		Level:   models.RiskMedium,
		Score:   25,
		Factors: []models.RiskFactor{{Name: risk.FactorLowMood, Weight: 25}},
	}

	recs := r.Rank(Context{AvailableMinutes: 60, Preferences: models.DefaultPreferences()}, a, testCandidates(), nil)
	if len(recs) != 1 || recs[0].Category != models.CategoryMindfulness {
		t.Fatalf("expected mindfulness only, got %v", sourceIDs(recs))
	}
	if recs[0].Urgency != models.UrgencyMedium {
		t.Errorf("expected urgency raised to medium, got %s", recs[0].Urgency)
	}
}

func TestRankBiasFallsBackToEligible(t *testing.T) {
	r := New(WithIDFunc(seqIDs()))
	a := models.RiskAssessment{Level: models.RiskHigh, Score: 60}
	prefs := models.DefaultPreferences()
	prefs.CategoryToggles[models.CategoryBreathing] = false
	prefs.CategoryToggles[models.CategoryDistraction] = false

	recs := r.Rank(Context{AvailableMinutes: 60, Preferences: prefs}, a, testCandidates(), nil)
	if len(recs) == 0 {
		t.Fatal("expected unbiased recommendations")
	}
	for _, rec := range recs {
		if rec.Category == models.CategoryBreathing || rec.Category == models.CategoryDistraction {
			t.Errorf("disabled category %s returned", rec.Category)
		}
	}
}

func TestRankFallbackNeverEmpty(t *testing.T) {
	r := New(WithIDFunc(seqIDs()))
	candidates := []models.CandidateIntervention{
		cand("long-hard", models.CategoryPhysical, 0.9, models.UrgencyLow, 45, models.DifficultyHard),
		cand("long-easy", models.CategoryJournaling, 0.5, models.UrgencyLow, 30, models.DifficultyEasy),
		cand("long-medium", models.CategorySocial, 0.8, models.UrgencyLow, 20, models.DifficultyMedium),
	}

	recs := r.Rank(Context{AvailableMinutes: 1, Preferences: models.DefaultPreferences()}, lowRisk(), candidates, nil)
	if len(recs) != 1 {
		t.Fatalf("expected single fallback, got %d", len(recs))
	}
	if recs[0].SourceID != "long-easy" {
		t.Errorf("expected lowest difficulty fallback, got %s", recs[0].SourceID)
	}
}

func TestRankEmptyCatalog(t *testing.T) {
	r := New()
	if recs := r.Rank(Context{}, lowRisk(), nil, nil); recs != nil {
		t.Errorf("expected nil for empty catalog, got %v", recs)
	}
}

func TestRankTieBreaks(t *testing.T) {
	r := New(WithIDFunc(seqIDs()))
	candidates := []models.CandidateIntervention{
		cand("medium-short", models.CategoryJournaling, 0.5, models.UrgencyLow, 2, models.DifficultyMedium),
		cand("easy-long", models.CategoryJournaling, 0.5, models.UrgencyLow, 9, models.DifficultyEasy),
		cand("easy-short", models.CategoryJournaling, 0.5, models.UrgencyLow, 3, models.DifficultyEasy),
	}

	recs := r.Rank(Context{Preferences: models.DefaultPreferences()}, lowRisk(), candidates, nil)
	want := []string{"easy-short", "easy-long", "medium-short"}
	got := sourceIDs(recs)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestRankUsesLearnedWeights(t *testing.T) {
	r := New(WithIDFunc(seqIDs()))
	candidates := []models.CandidateIntervention{
		cand("a", models.CategoryJournaling, 0.6, models.UrgencyLow, 5, models.DifficultyEasy),
		cand("b", models.CategoryPhysical, 0.6, models.UrgencyLow, 5, models.DifficultyEasy),
	}
	weights := map[string]float64{models.CategoryPhysical: 1.0, models.CategoryJournaling: 0.0}

	recs := r.Rank(Context{Preferences: models.DefaultPreferences()}, lowRisk(), candidates, weights)
	if recs[0].SourceID != "b" {
		t.Errorf("expected learned weight to lift b, got %v", sourceIDs(recs))
	}
	if math.Abs(recs[0].Confidence-0.8) > 1e-9 {
		t.Errorf("expected confidence 0.8, got %f", recs[0].Confidence)
	}
	if math.Abs(recs[1].Confidence-0.3) > 1e-9 {
		t.Errorf("expected confidence 0.3, got %f", recs[1].Confidence)
	}
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name    string
		base    float64
		weight  float64
		learned bool
		want    float64
	}{
		{"unlearned keeps base", 0.7, 0, false, 0.7},
		{"blend", 0.6, 1.0, true, 0.8},
		{"out of range weight clamped", 1.0, 5.0, true, 1.0},
		{"negative weight clamped", 0.4, -1, true, 0.2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Confidence(tt.base, tt.weight, tt.learned)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Confidence() = %f, want %f", got, tt.want)
			}
			if got < 0 || got > 1 {
				t.Errorf("confidence %f out of bounds", got)
			}
		})
	}
}

func TestRankPropertiesOverDefaultCatalog(t *testing.T) {
	c, err := catalog.Default()
	if err != nil {
		t.Fatalf("Default() failed: %v", err)
	}
	r := New(WithIDFunc(seqIDs()))
	scorer := risk.NewScorer(risk.DefaultConfig())

	for mood := 1; mood <= 5; mood++ {
		for craving := 1; craving <= 5; craving++ {
			for _, minutes := range []int{0, 1, 5, 15, 60} {
				for _, limit := range []int{0, 1, 3, 10} {
					a := scorer.Assess(models.SignalSnapshot{
						Mood: mood, Stress: 3, SleepQuality: 3, CravingLevel: craving, SocialSupport: 3,
					})
					ctx := Context{AvailableMinutes: minutes, Limit: limit, Preferences: models.DefaultPreferences()}
					recs := r.Rank(ctx, a, c.ListCandidates(""), nil)

					wantMax := limit
					if wantMax <= 0 {
						wantMax = DefaultLimit
					}
					if len(recs) == 0 || len(recs) > wantMax {
						t.Fatalf("mood=%d craving=%d minutes=%d limit=%d: got %d recs", mood, craving, minutes, limit, len(recs))
					}
					assertSorted(t, recs)
					for _, rec := range recs {
						if rec.Confidence < 0 || rec.Confidence > 1 {
							t.Fatalf("confidence %f out of bounds", rec.Confidence)
						}
					}
				}
			}
		}
	}
}
