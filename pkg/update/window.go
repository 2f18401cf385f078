package update

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var windowRe = regexp.MustCompile(`^(\d{2}):(\d{2})-(\d{2}):(\d{2})$`)

// Window is a daily maintenance window in local time, expressed as
// "HH:MM-HH:MM". A window whose end precedes its start wraps past midnight.
// The zero Window is always open.
type Window struct {
	start time.Duration
	end   time.Duration
	bound bool
}

// ParseWindow parses an "HH:MM-HH:MM" specification. An empty string yields
// an always-open window.
func ParseWindow(spec string) (Window, error) {
	if spec == "" {
		return Window{}, nil
	}
	match := windowRe.FindStringSubmatch(spec)
	if match == nil {
		return Window{}, fmt.Errorf("maintenance window must be formatted as HH:MM-HH:MM, got %q", spec)
	}
	startH, _ := strconv.Atoi(match[1])
	startM, _ := strconv.Atoi(match[2])
	endH, _ := strconv.Atoi(match[3])
	endM, _ := strconv.Atoi(match[4])
	if startH > 23 || endH > 23 || startM > 59 || endM > 59 {
		return Window{}, fmt.Errorf("maintenance window contains an invalid time: %q", spec)
	}
	return Window{
		start: time.Duration(startH)*time.Hour + time.Duration(startM)*time.Minute,
		end:   time.Duration(endH)*time.Hour + time.Duration(endM)*time.Minute,
		bound: true,
	}, nil
}

// Contains reports whether the instant falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.bound {
		return true
	}
	elapsed := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	if w.start <= w.end {
		return elapsed >= w.start && elapsed <= w.end
	}
	// Overnight wrap, e.g. 23:00-02:00.
	return elapsed >= w.start || elapsed <= w.end
}
