package scheduler

import (
	"time"
)

// IntervalSchedule runs a job every Interval, aligned to the previous run.
type IntervalSchedule struct {
	Interval time.Duration
}

var _ Schedule = (*IntervalSchedule)(nil)

// Every returns an IntervalSchedule. Intervals under a second are raised to one.
func Every(interval time.Duration) *IntervalSchedule {
	if interval < time.Second {
		interval = time.Second
	}
	return &IntervalSchedule{Interval: interval}
}

// Next returns t + Interval.
func (s *IntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.Interval)
}

// String implements Schedule.
func (s *IntervalSchedule) String() string {
	return "@every " + s.Interval.String()
}
