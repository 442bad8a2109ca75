package signals

import (
	"sort"
	"time"

	"github.com/mrwolf/anchor-server/internal/models"
)

// Milestones are the streak lengths, in days, worth celebrating
var Milestones = []int{1, 3, 7, 14, 30, 60, 90, 180, 365}

// Streak is the current unbroken run of positive days
type Streak struct {
	Days      int    `json:"days"`
	LastDay   string `json:"last_day,omitempty"`
	Milestone int    `json:"milestone,omitempty"`
	Reached   bool   `json:"reached"`
}

const dayFormat = "2006-01-02"

// MaxMilestone is the longest streak with a milestone; history older than
// this many days cannot change a milestone decision
func MaxMilestone() int {
	return Milestones[len(Milestones)-1]
}

// DetectStreak walks back from the most recent day. A day counts when every
// entry on it is positive; a negative day or a day without entries ends the
// run. The run is judged as of now: if nothing was logged today or yesterday
// the run is broken. Reached is set only on the day the run first crosses a
// milestone, so a run that stops growing never reports it again.
func (a *Analyzer) DetectStreak(history []models.SignalSnapshot, now time.Time) Streak {
	if len(history) == 0 {
		return Streak{}
	}

	positive := make(map[string]bool)
	for _, s := range history {
		day := s.Timestamp.In(a.location).Format(dayFormat)
		ok, seen := positive[day]
		if !seen {
			ok = true
		}
		positive[day] = ok && IsPositive(s)
	}

	days := make([]string, 0, len(positive))
	for d := range positive {
		days = append(days, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))

	local := now.In(a.location)
	today := local.Format(dayFormat)
	yesterday := local.AddDate(0, 0, -1).Format(dayFormat)

	// entries stamped after today are skipped
	for len(days) > 0 && days[0] > today {
		days = days[1:]
	}
	if len(days) == 0 {
		return Streak{}
	}

	streak := Streak{LastDay: days[0]}
	if days[0] != today && days[0] != yesterday {
		return streak
	}

	expected, _ := time.ParseInLocation(dayFormat, days[0], a.location)
	for _, d := range days {
		if d != expected.Format(dayFormat) || !positive[d] {
			break
		}
		streak.Days++
		expected = expected.AddDate(0, 0, -1)
	}

	if streak.LastDay == today {
		streak.Milestone, streak.Reached = crossedMilestone(streak.Days-1, streak.Days)
	}
	return streak
}

// crossedMilestone returns the milestone m with prev < m <= current
func crossedMilestone(prev, current int) (int, bool) {
	for i := len(Milestones) - 1; i >= 0; i-- {
		m := Milestones[i]
		if prev < m && m <= current {
			return m, true
		}
	}
	return 0, false
}
