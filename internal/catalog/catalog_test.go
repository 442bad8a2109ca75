package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mrwolf/anchor-server/internal/models"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() failed: %v", err)
	}
	if c.Len() == 0 {
		t.Fatal("expected candidates in default catalog")
	}

	for _, cat := range []string{
		models.CategoryBreathing,
		models.CategoryDistraction,
		models.CategoryMindfulness,
		models.CategoryEmergency,
	} {
		if len(c.ListCandidates(cat)) == 0 {
			t.Errorf("expected candidates in category %s", cat)
		}
	}

	if _, ok := c.Get("box-breathing"); !ok {
		t.Error("expected box-breathing candidate")
	}
}

func TestListCandidatesFilter(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() failed: %v", err)
	}

	all := c.ListCandidates("")
	if len(all) != c.Len() {
		t.Errorf("expected %d candidates, got %d", c.Len(), len(all))
	}

	for _, cand := range c.ListCandidates(models.CategoryBreathing) {
		if cand.Category != models.CategoryBreathing {
			t.Errorf("unexpected category %s", cand.Category)
		}
	}

	// returned slice must not alias internal state
	all[0].Title = "changed"
	if c.ListCandidates("")[0].Title == "changed" {
		t.Error("ListCandidates leaked internal slice")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	data := `candidates:
  - id: a
    type: technique
    category: breathing
    title: A
    base_confidence: 0.5
    urgency: low
    duration: 3
    difficulty: easy
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 candidate, got %d", c.Len())
	}
	if got := c.Categories(); len(got) != 1 || got[0] != "breathing" {
		t.Errorf("unexpected categories %v", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseValidation(t *testing.T) {
	base := `  - id: a
    type: technique
    category: breathing
    title: A
    base_confidence: 0.5
    urgency: low
    duration: 3
    difficulty: easy
`
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"empty", "candidates: []\n", "empty"},
		{"duplicate", "candidates:\n" + base + base, "duplicate"},
		{"bad confidence", "candidates:\n" + strings.Replace(base, "0.5", "1.5", 1), "base_confidence"},
		{"bad urgency", "candidates:\n" + strings.Replace(base, "urgency: low", "urgency: extreme", 1), "urgency"},
		{"bad difficulty", "candidates:\n" + strings.Replace(base, "difficulty: easy", "difficulty: trivial", 1), "difficulty"},
		{"bad type", "candidates:\n" + strings.Replace(base, "type: technique", "type: quote", 1), "type"},
		{"zero duration", "candidates:\n" + strings.Replace(base, "duration: 3", "duration: 0", 1), "duration"},
		{"malformed", "candidates: [", "parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
