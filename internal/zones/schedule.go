package zones

import (
	"fmt"
	"strings"
	"time"

	"dgmonitor/internal/model"
)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// parseClock parses HH:MM into minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// InForce reports whether the zone's rules apply at time at (UTC). A zone without
// time restrictions is always in force.
func InForce(z model.ComplianceZone, at time.Time) bool {
	if len(z.TimeRestrictions) == 0 {
		return true
	}
	at = at.UTC()
	for _, w := range z.TimeRestrictions {
		if windowContains(w, at) {
			return true
		}
	}
	return false
}

func windowContains(w model.TimeWindow, at time.Time) bool {
	start, err1 := parseClock(w.Start)
	end, err2 := parseClock(w.End)
	if err1 != nil || err2 != nil {
		return false
	}
	minute := at.Hour()*60 + at.Minute()
	day := at.Weekday()
	if start <= end {
		return dayMatches(w.Days, day) && minute >= start && minute < end
	}
	// overnight window: the late part belongs to the start day, the early part to the previous one
	if minute >= start {
		return dayMatches(w.Days, day)
	}
	if minute < end {
		return dayMatches(w.Days, (day+6)%7)
	}
	return false
}

func dayMatches(days []string, d time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	for _, s := range days {
		if wd, ok := weekdays[strings.ToLower(s)]; ok && wd == d {
			return true
		}
	}
	return false
}
