package notify

import (
	"fmt"
	"time"

	"github.com/mrwolf/anchor-server/internal/models"
)

// QuietWindow is a daily [start, end) window in minutes after midnight.
// A window whose start is after its end wraps midnight; equal bounds mean
// no quiet hours.
type QuietWindow struct {
	start int
	end   int
}

// ParseQuietHours converts "HH:MM" bounds into a window
func ParseQuietHours(q models.QuietHours) (QuietWindow, error) {
	start, err := parseClock(q.Start)
	if err != nil {
		return QuietWindow{}, fmt.Errorf("quiet hours start: %w", err)
	}
	end, err := parseClock(q.End)
	if err != nil {
		return QuietWindow{}, fmt.Errorf("quiet hours end: %w", err)
	}
	return QuietWindow{start: start, end: end}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Enabled reports whether the window covers any time at all
func (w QuietWindow) Enabled() bool {
	return w.start != w.end
}

// Contains reports whether t, in its own location, falls inside the window
func (w QuietWindow) Contains(t time.Time) bool {
	if !w.Enabled() {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	if w.start < w.end {
		return m >= w.start && m < w.end
	}
	return m >= w.start || m < w.end
}

// End returns the first moment after t at which the window closes
func (w QuietWindow) End(t time.Time) time.Time {
	m := t.Hour()*60 + t.Minute()
	day := t
	if w.start > w.end && m >= w.start {
		day = t.AddDate(0, 0, 1)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), w.end/60, w.end%60, 0, 0, t.Location())
}

// Adjust applies the quiet-hours rule to a requested dispatch time expressed
// in the user's location. Critical entries are never moved.
func (w QuietWindow) Adjust(t time.Time, p models.Priority) (time.Time, bool) {
	if p == models.PriorityCritical || !w.Contains(t) {
		return t, false
	}
	return w.End(t), true
}
