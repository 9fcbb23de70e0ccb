package world

import (
	"fmt"
	"time"
)

// TimeOfDay is the coarse period used by presence rules.
type TimeOfDay string

const (
	Morning   TimeOfDay = "morning"
	Afternoon TimeOfDay = "afternoon"
	Evening   TimeOfDay = "evening"
	Night     TimeOfDay = "night"
)

// TimeOfDayAt buckets an in-world instant.
// Morning 05-11, afternoon 12-17, evening 18-21, night 22-04.
func TimeOfDayAt(t time.Time) TimeOfDay {
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return Morning
	case h >= 12 && h < 18:
		return Afternoon
	case h >= 18 && h < 22:
		return Evening
	default:
		return Night
	}
}

// Display renders an in-world instant for prompts and UIs.
func Display(t time.Time) string {
	return fmt.Sprintf("%s %s", t.Format("Mon Jan 2 2006, 15:04"), TimeOfDayAt(t))
}

// DayNumber counts whole in-world days since the Unix epoch.
func DayNumber(t time.Time) int64 {
	return t.UTC().Unix() / int64(24*time.Hour/time.Second)
}

// ParseTimeOfDay accepts the lowercase names above.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	switch TimeOfDay(s) {
	case Morning, Afternoon, Evening, Night:
		return TimeOfDay(s), nil
	}
	return "", fmt.Errorf("unknown time of day %q", s)
}
