package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronExpression is a parsed five-field cron schedule:
//
//	minute hour day-of-month month day-of-week
//
// Each field accepts *, n, n-m, */s, n-m/s and comma lists of those.
// Day-of-week 0 and 7 both mean Sunday.
//
//	"0 3 * * *"     every day at 03:00
//	"*/15 * * * *"  every quarter hour
//	"0 9 * * 1-5"   weekdays at 09:00
type CronExpression struct {
	raw      string
	loc      *time.Location
	minutes  uint64
	hours    uint64
	days     uint64
	months   uint64
	weekdays uint64

	// Restricted day fields combine with OR, as in standard cron.
	dayStar     bool
	weekdayStar bool
}

// Common expressions.
const (
	EveryMinute      = "* * * * *"
	EveryHour        = "0 * * * *"
	EveryDayAt3AM    = "0 3 * * *"
	EveryDayMidnight = "0 0 * * *"
	EveryMonday      = "0 0 * * 1"
)

var _ Schedule = (*CronExpression)(nil)

// ParseCronExpression parses expr, evaluated in UTC.
func ParseCronExpression(expr string) (*CronExpression, error) {
	return ParseCronExpressionIn(expr, time.UTC)
}

// ParseCronExpressionIn parses expr, evaluated in loc.
func ParseCronExpressionIn(expr string, loc *time.Location) (*CronExpression, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("invalid cron expression %q: expected 5 fields, got %d", expr, len(fields))
	}
	if loc == nil {
		loc = time.UTC
	}

	ce := &CronExpression{
		raw:         expr,
		loc:         loc,
		dayStar:     fields[2] == "*",
		weekdayStar: fields[4] == "*",
	}
	specs := []struct {
		name     string
		dst      *uint64
		min, max int
	}{
		{"minute", &ce.minutes, 0, 59},
		{"hour", &ce.hours, 0, 23},
		{"day-of-month", &ce.days, 1, 31},
		{"month", &ce.months, 1, 12},
		{"day-of-week", &ce.weekdays, 0, 7},
	}
	for i, s := range specs {
		set, err := parseField(fields[i], s.min, s.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", s.name, err)
		}
		*s.dst = set
	}
	if ce.weekdays&(1<<7) != 0 {
		ce.weekdays |= 1
		ce.weekdays &^= 1 << 7
	}
	return ce, nil
}

// MustParseCronExpression parses expr or panics. Use for constants only.
func MustParseCronExpression(expr string) *CronExpression {
	ce, err := ParseCronExpression(expr)
	if err != nil {
		panic(err)
	}
	return ce
}

func parseField(field string, min, max int) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		bitsOf, err := parsePart(part, min, max)
		if err != nil {
			return 0, err
		}
		set |= bitsOf
	}
	return set, nil
}

func parsePart(part string, min, max int) (uint64, error) {
	if part == "" {
		return 0, fmt.Errorf("empty list element")
	}

	rangePart, step := part, 1
	if i := strings.IndexByte(part, '/'); i >= 0 {
		s, err := strconv.Atoi(part[i+1:])
		if err != nil || s <= 0 {
			return 0, fmt.Errorf("invalid step %q", part[i+1:])
		}
		rangePart, step = part[:i], s
	}

	lo, hi := min, max
	switch {
	case rangePart == "*":
	case strings.Contains(rangePart, "-"):
		a, b, _ := strings.Cut(rangePart, "-")
		var err error
		if lo, err = strconv.Atoi(a); err != nil {
			return 0, fmt.Errorf("invalid range start %q", a)
		}
		if hi, err = strconv.Atoi(b); err != nil {
			return 0, fmt.Errorf("invalid range end %q", b)
		}
	default:
		v, err := strconv.Atoi(rangePart)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q", rangePart)
		}
		lo = v
		if step == 1 {
			hi = v
		}
	}
	if lo < min || hi > max || lo > hi {
		return 0, fmt.Errorf("%q out of range [%d-%d]", part, min, max)
	}

	var set uint64
	for v := lo; v <= hi; v += step {
		set |= 1 << uint(v)
	}
	return set, nil
}

// String returns the expression as written.
func (ce *CronExpression) String() string {
	return ce.raw
}

// Next returns the first matching minute strictly after t, in t's location.
// It returns the zero time if nothing matches within five years.
func (ce *CronExpression) Next(t time.Time) time.Time {
	origLoc := t.Location()
	cur := t.In(ce.loc).Truncate(time.Minute).Add(time.Minute)
	limit := cur.AddDate(5, 0, 0)

	for cur.Before(limit) {
		if !has(ce.months, int(cur.Month())) {
			cur = time.Date(cur.Year(), cur.Month()+1, 1, 0, 0, 0, 0, ce.loc)
			continue
		}
		if !ce.dayMatches(cur) {
			cur = time.Date(cur.Year(), cur.Month(), cur.Day()+1, 0, 0, 0, 0, ce.loc)
			continue
		}
		if !has(ce.hours, cur.Hour()) {
			cur = time.Date(cur.Year(), cur.Month(), cur.Day(), cur.Hour()+1, 0, 0, 0, ce.loc)
			continue
		}
		if !has(ce.minutes, cur.Minute()) {
			cur = cur.Add(time.Minute)
			continue
		}
		return cur.In(origLoc)
	}
	return time.Time{}
}

func (ce *CronExpression) dayMatches(t time.Time) bool {
	dom := has(ce.days, t.Day())
	dow := has(ce.weekdays, int(t.Weekday()))
	switch {
	case ce.dayStar && ce.weekdayStar:
		return true
	case ce.dayStar:
		return dow
	case ce.weekdayStar:
		return dom
	default:
		return dom || dow
	}
}

func has(set uint64, v int) bool {
	return set&(1<<uint(v)) != 0
}
