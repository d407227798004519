// Package schedule parses the spec's "every <N><unit>" schedule field and
// computes the next fire time for the scheduler loop.
package schedule

import (
	"strconv"
	"strings"
	"time"

	"github.com/datahq/flowmanager/internal/domain"
)

// Unit multipliers in seconds.
var multipliers = map[byte]int{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 86400,
	'w': 7 * 86400,
}

// minPeriodSeconds is the smallest schedulable period.
const minPeriodSeconds = 60

// Parse reads the optional schedule field from a spec and returns the period
// in seconds. A missing or null schedule yields (nil, no errors). A present
// but malformed schedule yields nil and a single error message; no error is
// ever returned together with a period.
func Parse(spec domain.Spec) (*int, []string) {
	if spec == nil {
		return nil, nil
	}
	raw, ok := spec.ScheduleField()
	if !ok || raw == nil {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, []string{"Schedule should be a string"}
	}
	s = strings.TrimSpace(s)
	const prefix = "every "
	if !strings.HasPrefix(s, prefix) {
		return nil, []string{"Schedule should start with 'every'"}
	}
	s = s[len(prefix):]
	if s == "" {
		return nil, []string{"Bad time unit for schedule, only s/m/h/d/w are allowed"}
	}
	multiplier, ok := multipliers[s[len(s)-1]]
	if !ok {
		return nil, []string{"Bad time unit for schedule, only s/m/h/d/w are allowed"}
	}
	amount, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return nil, []string{"Failed to parse time number"}
	}
	period := amount * multiplier
	if period < minPeriodSeconds {
		return nil, []string{"Can't schedule tasks for less than one minute"}
	}
	return &period, nil
}

// Next computes the next fire time. A nil period disables scheduling. A nil
// current slot starts the schedule one period from now. An elapsed slot is
// advanced by whole multiples of the period to the first value >= now; a
// future slot is preserved.
func Next(current *time.Time, periodSeconds *int, now time.Time) *time.Time {
	if periodSeconds == nil {
		return nil
	}
	period := time.Duration(*periodSeconds) * time.Second
	if current == nil {
		next := now.Add(period)
		return &next
	}
	next := *current
	if next.Before(now) {
		steps := now.Sub(next) / period
		next = next.Add(steps * period)
		for next.Before(now) {
			next = next.Add(period)
		}
	}
	return &next
}
