// Package timeutil holds patient-local calendar helpers.
// Patterns are keyed by local weekday and hour, so every conversion goes
// through the patient's IANA zone rather than the server clock.
package timeutil

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Day is 24 hours. Calendar arithmetic uses AddDate instead.
const Day = 24 * time.Hour

var (
	locMu    sync.RWMutex
	locCache = map[string]*time.Location{}
)

// Location resolves an IANA zone name, caching results. Empty means UTC.
func Location(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}

	locMu.RLock()
	loc, ok := locCache[name]
	locMu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load location %q: %w", name, err)
	}

	locMu.Lock()
	locCache[name] = loc
	locMu.Unlock()
	return loc, nil
}

// MustLocation is Location for zone names already validated at the boundary.
// Unknown names fall back to UTC.
func MustLocation(name string) *time.Location {
	loc, err := Location(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// StartOfDay returns local midnight of t in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
}

// DaysBetween counts calendar days from a to b in loc. Negative when b is before a.
func DaysBetween(a, b time.Time, loc *time.Location) int {
	da := StartOfDay(a, loc)
	db := StartOfDay(b, loc)
	return int(math.Round(db.Sub(da).Hours() / 24))
}

// HourBucket returns the local hour window [start, start+width) containing t.
func HourBucket(t time.Time, loc *time.Location, width int) (start, end int) {
	if width <= 0 || width > 24 {
		width = 1
	}
	h := t.In(loc).Hour()
	start = (h / width) * width
	return start, start + width
}

// WindowStart returns the next instant at or after from (or the current one
// if from is already inside) when the local clock is on weekday within
// [hourStart, hourEnd).
func WindowStart(from time.Time, loc *time.Location, weekday time.Weekday, hourStart, hourEnd int) time.Time {
	l := from.In(loc)
	for i := 0; i < 8; i++ {
		day := StartOfDay(l.AddDate(0, 0, i), loc)
		if day.Weekday() != weekday {
			continue
		}
		start := day.Add(time.Duration(hourStart) * time.Hour)
		end := day.Add(time.Duration(hourEnd) * time.Hour)
		if !l.Before(end) {
			continue
		}
		if l.After(start) {
			return l
		}
		return start
	}
	return time.Time{}
}

// WithinLookahead reports whether the weekday/hour window is open at from or
// opens within the look-ahead duration.
func WithinLookahead(from time.Time, loc *time.Location, weekday time.Weekday, hourStart, hourEnd int, lookahead time.Duration) bool {
	start := WindowStart(from, loc, weekday, hourStart, hourEnd)
	if start.IsZero() {
		return false
	}
	return !start.After(from.Add(lookahead))
}

// HalfLifeWeight returns 0.5^(age/halfLife). Future ages weigh 1.
func HalfLifeWeight(age, halfLife time.Duration) float64 {
	if age <= 0 || halfLife <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(halfLife))
}
