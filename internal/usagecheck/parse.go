// Package usagecheck drives the external "claude /usage" CLI through a
// pseudo-terminal, parses its human-readable output, and caches the
// result so the scheduler can cheaply poll live usage without spawning
// a subprocess on every admission check.
package usagecheck

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// proPlanMessageLimit is the standard Claude Pro plan message allotment
// per 5-hour window, used only to turn a bare percentage into an
// estimated used/limit pair for display purposes.
const proPlanMessageLimit = 40

var (
	percentUsedRe  = regexp.MustCompile(`(?i)(\d+)%\s+used`)
	usedOfRe       = regexp.MustCompile(`(?i)used\s+(\d+)\s+of\s+(\d+)\s+messages`)
	messagesColon  = regexp.MustCompile(`(?i)messages?:\s*(\d+)/(\d+)`)
	usedRemaining  = regexp.MustCompile(`(?i)(\d+)\s+messages?\s+used`)
	remainingRe    = regexp.MustCompile(`(?i)(\d+)\s+remaining`)
	resetAtTZRe    = regexp.MustCompile(`(?i)resets\s+(\d{1,2}):(\d{2})(am|pm)\s+\(([^)]+)\)`)
	resetInHMRe    = regexp.MustCompile(`(?i)resets?\s+in\s+(\d+)\s*(?:hours?|h)?\s+(\d+)\s*(?:minutes?|m)?`)
	resetInHRe     = regexp.MustCompile(`(?i)resets?\s+in\s+(\d+)\s*h`)
	resetInMRe     = regexp.MustCompile(`(?i)resets?\s+in\s+(\d+)\s*m`)
	nextResetRe    = regexp.MustCompile(`(?i)next\s+reset[:\s]+(\d{1,2}):(\d{2})`)
)

// Usage is a parsed usage snapshot.
type Usage struct {
	MessagesUsed  int
	MessagesLimit int
	ResetTime     time.Time
}

// PercentUsed returns the usage fraction as an integer percentage.
func (u Usage) PercentUsed() int {
	if u.MessagesLimit <= 0 {
		return 0
	}
	pct := float64(u.MessagesUsed) / float64(u.MessagesLimit) * 100
	if pct > 100 {
		pct = 100
	}
	return int(pct)
}

// parseUsageOutput tries, in order, each output format the "claude
// /usage" command is known to emit. now is injected so reset-time
// fallbacks are deterministic in tests.
func parseUsageOutput(output string, now time.Time) (Usage, bool) {
	lines := strings.Split(strings.TrimSpace(output), "\n")

	var used, limit int
	found := false

	for _, line := range lines {
		if m := percentUsedRe.FindStringSubmatch(line); m != nil {
			percent, _ := strconv.Atoi(m[1])
			limit = proPlanMessageLimit
			used = int(float64(percent) / 100.0 * float64(limit))
			found = true
			break
		}
	}

	if !found {
		for _, line := range lines {
			if m := usedOfRe.FindStringSubmatch(line); m != nil {
				used, _ = strconv.Atoi(m[1])
				limit, _ = strconv.Atoi(m[2])
				found = true
				break
			}
		}
	}

	if !found {
		for _, line := range lines {
			if m := messagesColon.FindStringSubmatch(line); m != nil {
				used, _ = strconv.Atoi(m[1])
				limit, _ = strconv.Atoi(m[2])
				found = true
				break
			}
		}
	}

	if !found {
		for _, line := range lines {
			if m := usedRemaining.FindStringSubmatch(line); m != nil {
				used, _ = strconv.Atoi(m[1])
				if rm := remainingRe.FindStringSubmatch(line); rm != nil {
					remaining, _ := strconv.Atoi(rm[1])
					limit = used + remaining
				}
				found = true
				break
			}
		}
	}

	if !found || limit == 0 {
		return Usage{}, false
	}

	reset, ok := parseResetTime(output, now)
	if !ok {
		reset = now.Add(5 * time.Hour)
	}

	return Usage{MessagesUsed: used, MessagesLimit: limit, ResetTime: reset}, true
}

// parseResetTime tries each known reset-time phrasing in turn.
func parseResetTime(output string, now time.Time) (time.Time, bool) {
	if m := resetAtTZRe.FindStringSubmatch(output); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		meridiem := strings.ToLower(m[3])
		if meridiem == "pm" && hour != 12 {
			hour += 12
		} else if meridiem == "am" && hour == 12 {
			hour = 0
		}
		reset := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if reset.Before(now) {
			reset = reset.Add(24 * time.Hour)
		}
		return reset, true
	}

	if m := resetInHMRe.FindStringSubmatch(output); m != nil {
		hours, _ := strconv.Atoi(m[1])
		minutes, _ := strconv.Atoi(m[2])
		return now.Add(time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute), true
	}

	if m := resetInHRe.FindStringSubmatch(output); m != nil {
		hours, _ := strconv.Atoi(m[1])
		return now.Add(time.Duration(hours) * time.Hour), true
	}

	if m := resetInMRe.FindStringSubmatch(output); m != nil {
		minutes, _ := strconv.Atoi(m[1])
		return now.Add(time.Duration(minutes) * time.Minute), true
	}

	if m := nextResetRe.FindStringSubmatch(output); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		reset := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if reset.Before(now) {
			reset = reset.Add(24 * time.Hour)
		}
		return reset, true
	}

	return time.Time{}, false
}

// ansiEscapeRe strips ANSI color/cursor codes and OSC sequences emitted
// by a PTY-attached CLI so regex parsing sees plain text.
var ansiEscapeRe = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[()][A-Za-z0-9]`)

func stripANSI(s string) string {
	return ansiEscapeRe.ReplaceAllString(s, "")
}
