package signals

import (
	"fmt"

	"github.com/mrwolf/anchor-server/internal/models"
)

// Scale bounds for every snapshot dimension
const (
	MinScale = 1
	MaxScale = 5
)

// ValidateSnapshot rejects out-of-range snapshots. Values are never clamped:
// a bad reading is discarded so it cannot skew risk math.
func ValidateSnapshot(s models.SignalSnapshot) error {
	fields := []struct {
		name  string
		value int
	}{
		{"mood", s.Mood},
		{"stress", s.Stress},
		{"sleep_quality", s.SleepQuality},
		{"craving_level", s.CravingLevel},
		{"social_support", s.SocialSupport},
	}

	for _, f := range fields {
		if f.value < MinScale || f.value > MaxScale {
			return fmt.Errorf("%w: %s=%d outside %d..%d", models.ErrInvalidSignal, f.name, f.value, MinScale, MaxScale)
		}
	}

	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", models.ErrInvalidSignal)
	}

	return nil
}

// IsNegative reports whether an entry counts as a negative outcome for
// pattern mining: low mood or strong craving.
func IsNegative(s models.SignalSnapshot) bool {
	return s.Mood <= 2 || s.CravingLevel >= 4
}

// IsPositive reports whether an entry keeps a streak alive
func IsPositive(s models.SignalSnapshot) bool {
	return s.CravingLevel <= 2 && s.Mood >= 3
}

// outOfRange lists the named dimensions an entry is flagging
func outOfRange(s models.SignalSnapshot) []string {
	var names []string
	if s.Mood <= 2 {
		names = append(names, "low mood")
	}
	if s.Stress >= 4 {
		names = append(names, "high stress")
	}
	if s.SleepQuality <= 2 {
		names = append(names, "poor sleep")
	}
	if s.SocialSupport <= 2 {
		names = append(names, "low support")
	}
	if s.CravingLevel >= 4 {
		names = append(names, "strong craving")
	}
	return names
}
