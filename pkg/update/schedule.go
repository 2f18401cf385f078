package update

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule refines the daily maintenance window with weekly allow/deny
// expressions such as "mon-fri 01:00-04:00" or "sat 22:00-sun 06:00". Deny
// rules win over allow rules; when allow rules exist, only instants matching
// one are permitted. An empty schedule permits everything.
type Schedule struct {
	allow []scheduleSpan
	deny  []scheduleSpan
}

// scheduleSpan is a half-open interval in seconds since the start of the
// week (Sunday 00:00).
type scheduleSpan struct {
	start int
	end   int
}

const (
	secondsPerDay  = 24 * 60 * 60
	secondsPerWeek = 7 * secondsPerDay
)

// ParseSchedule compiles allow and deny expressions into a Schedule.
func ParseSchedule(allowExprs, denyExprs []string) (Schedule, error) {
	var schedule Schedule
	for i, expr := range denyExprs {
		spans, err := parseScheduleExpr(expr)
		if err != nil {
			return Schedule{}, fmt.Errorf("deny[%d]: %w", i, err)
		}
		schedule.deny = append(schedule.deny, spans...)
	}
	for i, expr := range allowExprs {
		spans, err := parseScheduleExpr(expr)
		if err != nil {
			return Schedule{}, fmt.Errorf("allow[%d]: %w", i, err)
		}
		schedule.allow = append(schedule.allow, spans...)
	}
	return schedule, nil
}

// Empty reports whether the schedule has no rules.
func (s Schedule) Empty() bool {
	return len(s.allow) == 0 && len(s.deny) == 0
}

// Permits reports whether the instant falls outside every deny span and,
// when allow spans exist, inside at least one of them.
func (s Schedule) Permits(t time.Time) bool {
	seconds := int(t.Weekday())*secondsPerDay + t.Hour()*3600 + t.Minute()*60 + t.Second()
	for _, span := range s.deny {
		if span.contains(seconds) {
			return false
		}
	}
	if len(s.allow) == 0 {
		return true
	}
	for _, span := range s.allow {
		if span.contains(seconds) {
			return true
		}
	}
	return false
}

func (span scheduleSpan) contains(seconds int) bool {
	return seconds >= span.start && seconds < span.end
}

// parseScheduleExpr parses one expression of the form
// "[days] HH:MM-[day ]HH:MM" where days is "*", a name ("mon"), a range
// ("mon-fri"), or a comma list. Spans crossing midnight or the week boundary
// are split as needed.
func parseScheduleExpr(expr string) ([]scheduleSpan, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, fmt.Errorf("expression must not be empty")
	}

	colon := strings.Index(trimmed, ":")
	if colon == -1 {
		return nil, fmt.Errorf("missing time component in %q", expr)
	}
	dash := strings.Index(trimmed[colon:], "-")
	if dash == -1 {
		return nil, fmt.Errorf("missing '-' in time range %q", expr)
	}
	dash += colon

	startDays, startSec, err := parseDayTime(trimmed[:dash], true)
	if err != nil {
		return nil, err
	}
	endDays, endSec, err := parseDayTime(trimmed[dash+1:], false)
	if err != nil {
		return nil, err
	}

	if endDays != nil {
		// Explicit end day, e.g. "sat 22:00-sun 06:00".
		if len(startDays) != 1 || len(endDays) != 1 {
			return nil, fmt.Errorf("%q: day-spanning ranges need exactly one start and one end day", expr)
		}
		start := int(startDays[0])*secondsPerDay + startSec
		end := int(endDays[0])*secondsPerDay + endSec
		for end <= start {
			end += secondsPerWeek
		}
		return splitWeekWrap(start, end), nil
	}

	var spans []scheduleSpan
	for _, day := range startDays {
		start := int(day)*secondsPerDay + startSec
		end := int(day)*secondsPerDay + endSec
		if end <= start {
			end += secondsPerDay
		}
		spans = append(spans, splitWeekWrap(start, end)...)
	}
	return spans, nil
}

func splitWeekWrap(start, end int) []scheduleSpan {
	if end > secondsPerWeek {
		return []scheduleSpan{
			{start: start, end: secondsPerWeek},
			{start: 0, end: end - secondsPerWeek},
		}
	}
	return []scheduleSpan{{start: start, end: end}}
}

// parseDayTime splits "[days] HH:MM" into weekdays and seconds-of-day. For
// the start side a missing day spec means every day; for the end side it
// returns nil days so the caller inherits the start days.
func parseDayTime(part string, isStart bool) ([]time.Weekday, int, error) {
	tokens := strings.Fields(part)
	if len(tokens) == 0 {
		return nil, 0, fmt.Errorf("missing day/time in %q", part)
	}
	seconds, err := parseClock(tokens[len(tokens)-1])
	if err != nil {
		return nil, 0, err
	}
	if len(tokens) == 1 {
		if isStart {
			return allWeekdays(), seconds, nil
		}
		return nil, seconds, nil
	}
	days, err := parseDays(strings.Join(tokens[:len(tokens)-1], " "))
	if err != nil {
		return nil, 0, err
	}
	return days, seconds, nil
}

func allWeekdays() []time.Weekday {
	return []time.Weekday{
		time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
		time.Thursday, time.Friday, time.Saturday,
	}
}

func parseDays(spec string) ([]time.Weekday, error) {
	trimmed := strings.ToLower(strings.TrimSpace(spec))
	if trimmed == "*" {
		return allWeekdays(), nil
	}
	var days []time.Weekday
	seen := make(map[time.Weekday]struct{})
	add := func(day time.Weekday) {
		if _, dup := seen[day]; !dup {
			days = append(days, day)
			seen[day] = struct{}{}
		}
	}
	for _, token := range strings.Split(trimmed, ",") {
		token = strings.TrimSpace(token)
		if from, to, ok := strings.Cut(token, "-"); ok {
			startDay, okStart := weekdayName(from)
			endDay, okEnd := weekdayName(to)
			if !okStart || !okEnd {
				return nil, fmt.Errorf("unknown day in range %q", token)
			}
			for day := startDay; ; day = (day + 1) % 7 {
				add(day)
				if day == endDay {
					break
				}
			}
			continue
		}
		day, ok := weekdayName(token)
		if !ok {
			return nil, fmt.Errorf("unknown day %q", token)
		}
		add(day)
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("day specification %q resolved to no days", spec)
	}
	return days, nil
}

func weekdayName(value string) (time.Weekday, bool) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "sun", "sunday":
		return time.Sunday, true
	case "mon", "monday":
		return time.Monday, true
	case "tue", "tues", "tuesday":
		return time.Tuesday, true
	case "wed", "weds", "wednesday":
		return time.Wednesday, true
	case "thu", "thur", "thurs", "thursday":
		return time.Thursday, true
	case "fri", "friday":
		return time.Friday, true
	case "sat", "saturday":
		return time.Saturday, true
	}
	return time.Sunday, false
}

func parseClock(value string) (int, error) {
	hourPart, minutePart, ok := strings.Cut(value, ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q (expected HH:MM)", value)
	}
	hour, err := strconv.Atoi(hourPart)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("hour out of range in %q", value)
	}
	minute, err := strconv.Atoi(minutePart)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("minute out of range in %q", value)
	}
	return hour*3600 + minute*60, nil
}
