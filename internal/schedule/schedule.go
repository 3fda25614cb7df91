// Package schedule consolidates wake-schedule parsing and window inference
// into one expression type. Devices carry a cron-like expression of which
// only the hour field varies; the supported subset is a fixed interval
// (*/N), a comma-separated hour list, a single hour, and a wildcard.
package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Policy names the fallback and overage-matching behavior instead of baking
// it into the parser. Both values are heuristics, not validated constants,
// so they stay configurable.
type Policy struct {
	// FallbackIntervalHours is the interval used when an expression cannot
	// be parsed.
	FallbackIntervalHours int
	// ToleranceMinutes is how far past a scheduled hour a wake may arrive
	// and still belong to that window.
	ToleranceMinutes int
}

// DefaultPolicy returns the policy the fleet has been running with: fall
// back to a 4-hour interval, accept wakes anywhere inside the scheduled
// hour.
func DefaultPolicy() Policy {
	return Policy{
		FallbackIntervalHours: 4,
		ToleranceMinutes:      59,
	}
}

// Schedule is a parsed wake schedule: the sorted set of site-local hours at
// which a device is expected to wake.
type Schedule struct {
	expr     string
	hours    []int
	fallback bool
	policy   Policy
}

// Parse builds a Schedule from a cron-like expression. A full five-field
// expression ("0 8,16 * * *") or a bare hour field ("8,16") are both
// accepted. Malformed input does not fail: the schedule falls back to the
// policy interval and reports it via Fallback().
func Parse(expr string, policy Policy) Schedule {
	if policy.FallbackIntervalHours <= 0 {
		policy.FallbackIntervalHours = DefaultPolicy().FallbackIntervalHours
	}
	if policy.ToleranceMinutes <= 0 {
		policy.ToleranceMinutes = DefaultPolicy().ToleranceMinutes
	}

	s := Schedule{expr: expr, policy: policy}

	hourField := hourFieldOf(expr)
	hours, err := parseHourField(hourField)
	if err != nil {
		s.fallback = true
		s.hours = intervalHours(policy.FallbackIntervalHours)
		return s
	}

	s.hours = hours
	return s
}

// hourFieldOf extracts the hour field from the expression. Five-field cron
// puts hours second; a bare field is taken as-is.
func hourFieldOf(expr string) string {
	fields := strings.Fields(strings.TrimSpace(expr))
	switch len(fields) {
	case 0:
		return ""
	case 1:
		return fields[0]
	default:
		return fields[1]
	}
}

func parseHourField(field string) ([]int, error) {
	switch {
	case field == "":
		return nil, fmt.Errorf("empty hour field")

	case field == "*":
		return intervalHours(1), nil

	case strings.HasPrefix(field, "*/"):
		n, err := strconv.Atoi(field[2:])
		if err != nil || n <= 0 || n > 24 {
			return nil, fmt.Errorf("invalid interval %q", field)
		}
		return intervalHours(n), nil

	case strings.Contains(field, ","):
		parts := strings.Split(field, ",")
		hours := make([]int, 0, len(parts))
		for _, p := range parts {
			h, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil || h < 0 || h > 23 {
				return nil, fmt.Errorf("invalid hour %q", p)
			}
			hours = append(hours, h)
		}
		sort.Ints(hours)
		return dedupe(hours), nil

	default:
		h, err := strconv.Atoi(field)
		if err != nil || h < 0 || h > 23 {
			return nil, fmt.Errorf("invalid hour field %q", field)
		}
		return []int{h}, nil
	}
}

func intervalHours(n int) []int {
	var hours []int
	for h := 0; h < 24; h += n {
		hours = append(hours, h)
	}
	return hours
}

func dedupe(sorted []int) []int {
	out := sorted[:0]
	for i, h := range sorted {
		if i == 0 || h != sorted[i-1] {
			out = append(out, h)
		}
	}
	return out
}

// Expr returns the original expression.
func (s Schedule) Expr() string {
	return s.expr
}

// Hours returns the sorted expected wake hours.
func (s Schedule) Hours() []int {
	out := make([]int, len(s.hours))
	copy(out, s.hours)
	return out
}

// Fallback reports whether the expression failed to parse and the policy
// interval is in effect.
func (s Schedule) Fallback() bool {
	return s.fallback
}

// WakesPerDay returns the number of expected wakes per calendar day.
func (s Schedule) WakesPerDay() int {
	return len(s.hours)
}

// Infer maps a site-local captured-at time to its wake-window index and an
// overage flag. Indexes are 1-based. A wake inside the tolerance window of
// a scheduled hour belongs to that window; anything else is an overage,
// attributed to the nearest previous window (0 when it precedes the first
// window of the day). Deterministic: the same (capturedAt, schedule) pair
// always yields the same result.
func (s Schedule) Infer(capturedAt time.Time) (windowIndex int, overage bool) {
	h := capturedAt.Hour()
	m := capturedAt.Minute()

	for i, sh := range s.hours {
		if h == sh && m <= s.policy.ToleranceMinutes {
			return i + 1, false
		}
	}

	// Overage: count windows at or before this hour.
	idx := 0
	for _, sh := range s.hours {
		if sh <= h {
			idx++
		}
	}
	return idx, true
}

// Next returns the first scheduled wake instant strictly after t, in t's
// location.
func (s Schedule) Next(t time.Time) time.Time {
	if len(s.hours) == 0 {
		return t.Add(24 * time.Hour)
	}

	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	for _, h := range s.hours {
		candidate := day.Add(time.Duration(h) * time.Hour)
		if candidate.After(t) {
			return candidate
		}
	}
	// First window of the next day.
	return day.AddDate(0, 0, 1).Add(time.Duration(s.hours[0]) * time.Hour)
}
