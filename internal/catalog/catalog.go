package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/mrwolf/anchor-server/internal/models"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type catalogFile struct {
	Candidates []models.CandidateIntervention `yaml:"candidates"`
}

// Catalog is the static, read-only set of interventions the ranker draws from
type Catalog struct {
	candidates []models.CandidateIntervention
	byID       map[string]models.CandidateIntervention
}

// Load reads a catalog from path, or the embedded default when path is empty
func Load(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog: %w", err)
		}
	}
	return Parse(data)
}

// Default returns the embedded catalog
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Parse decodes and validates a YAML catalog
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return New(f.Candidates)
}

// New builds a catalog from candidates, validating every entry
func New(candidates []models.CandidateIntervention) (*Catalog, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("catalog is empty")
	}

	c := &Catalog{byID: make(map[string]models.CandidateIntervention, len(candidates))}
	for i, cand := range candidates {
		if err := validate(cand); err != nil {
			return nil, fmt.Errorf("candidate %d: %w", i, err)
		}
		if _, dup := c.byID[cand.ID]; dup {
			return nil, fmt.Errorf("candidate %d: duplicate id %q", i, cand.ID)
		}
		c.byID[cand.ID] = cand
		c.candidates = append(c.candidates, cand)
	}

	sort.SliceStable(c.candidates, func(i, j int) bool {
		return c.candidates[i].ID < c.candidates[j].ID
	})

	return c, nil
}

// ListCandidates returns candidates in a category, or all of them when
// category is empty. The returned slice is a copy.
func (c *Catalog) ListCandidates(category string) []models.CandidateIntervention {
	out := make([]models.CandidateIntervention, 0, len(c.candidates))
	for _, cand := range c.candidates {
		if category == "" || cand.Category == category {
			out = append(out, cand)
		}
	}
	return out
}

// Get looks up a candidate by id
func (c *Catalog) Get(id string) (models.CandidateIntervention, bool) {
	cand, ok := c.byID[id]
	return cand, ok
}

// Categories returns the distinct categories present, sorted
func (c *Catalog) Categories() []string {
	seen := make(map[string]bool)
	var out []string
	for _, cand := range c.candidates {
		if !seen[cand.Category] {
			seen[cand.Category] = true
			out = append(out, cand.Category)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of candidates
func (c *Catalog) Len() int {
	return len(c.candidates)
}

func validate(cand models.CandidateIntervention) error {
	if cand.ID == "" {
		return fmt.Errorf("missing id")
	}
	if cand.Category == "" {
		return fmt.Errorf("%s: missing category", cand.ID)
	}
	if cand.Title == "" {
		return fmt.Errorf("%s: missing title", cand.ID)
	}
	if cand.BaseConfidence < 0 || cand.BaseConfidence > 1 {
		return fmt.Errorf("%s: base_confidence %.2f outside 0..1", cand.ID, cand.BaseConfidence)
	}
	if cand.Duration <= 0 {
		return fmt.Errorf("%s: duration must be positive", cand.ID)
	}

	switch cand.Type {
	case models.TypeTechnique, models.TypeActivity, models.TypeReminder, models.TypeSocial, models.TypeEmergency:
	default:
		return fmt.Errorf("%s: unknown type %q", cand.ID, cand.Type)
	}

	switch cand.Urgency {
	case models.UrgencyLow, models.UrgencyMedium, models.UrgencyHigh, models.UrgencyCritical:
	default:
		return fmt.Errorf("%s: unknown urgency %q", cand.ID, cand.Urgency)
	}

	switch cand.Difficulty {
	case models.DifficultyEasy, models.DifficultyMedium, models.DifficultyHard:
	default:
		return fmt.Errorf("%s: unknown difficulty %q", cand.ID, cand.Difficulty)
	}

	return nil
}
