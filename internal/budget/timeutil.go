// Package budget tracks time-windowed USD spend against a daily quota
// split between a night allocation and a day allocation.
package budget

import "time"

// NightStartHour and NightEndHour bound the nighttime window in UTC:
// night runs from 20:00 through 08:00 the following day.
const (
	NightStartHour = 20
	NightEndHour   = 8
)

// IsNighttime reports whether t (in UTC) falls inside the night window.
func IsNighttime(t time.Time) bool {
	h := t.UTC().Hour()
	return h >= NightStartHour || h < NightEndHour
}

// TimeLabel returns "night" or "daytime" for t.
func TimeLabel(t time.Time) string {
	if IsNighttime(t) {
		return "night"
	}
	return "daytime"
}

// CurrentPeriodStart returns the UTC timestamp marking the start of the
// time-of-day window (night or day) that t falls within.
func CurrentPeriodStart(t time.Time) time.Time {
	t = t.UTC()
	today := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)

	if IsNighttime(t) {
		nightStart := today.Add(time.Duration(NightStartHour) * time.Hour)
		if t.Hour() < NightEndHour {
			nightStart = today.AddDate(0, 0, -1).Add(time.Duration(NightStartHour) * time.Hour)
		}
		return nightStart
	}
	return today.Add(time.Duration(NightEndHour) * time.Hour)
}

// RateLimitForTime returns the night or day rate limit applicable at t.
func RateLimitForTime(t time.Time, dayLimit, nightLimit int) int {
	if IsNighttime(t) {
		return nightLimit
	}
	return dayLimit
}
