package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ─────────────────────────────────────────────────────────────────────────────
// Cron expressions
// ─────────────────────────────────────────────────────────────────────────────

func TestCronExpression_Next(t *testing.T) {
	london, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)

	tests := []struct {
		name string
		expr string
		loc  *time.Location
		from time.Time
		want time.Time
	}{
		{
			name: "daily at three rolls to tomorrow",
			expr: EveryDayAt3AM,
			from: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 3, 3, 0, 0, 0, time.UTC),
		},
		{
			name: "strictly after an exact match",
			expr: EveryDayAt3AM,
			from: time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 3, 3, 0, 0, 0, time.UTC),
		},
		{
			name: "quarter hours",
			expr: "*/15 * * * *",
			from: time.Date(2026, 3, 2, 10, 7, 30, 0, time.UTC),
			want: time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC),
		},
		{
			name: "weekdays skip the weekend",
			expr: "0 9 * * 1-5",
			from: time.Date(2026, 3, 6, 10, 0, 0, 0, time.UTC), // Friday
			want: time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "seven is sunday",
			expr: "0 0 * * 7",
			from: time.Date(2026, 3, 6, 10, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "lists mix ranges and steps",
			expr: "0 1,6-7,20/2 * * *",
			from: time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC),
			want: time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC),
		},
		{
			name: "evaluated in location",
			expr: EveryDayAt3AM,
			loc:  london,
			from: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
			want: time.Date(2026, 7, 1, 2, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce, err := ParseCronExpressionIn(tt.expr, tt.loc)
			require.NoError(t, err)
			got := ce.Next(tt.from)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestParseCronExpression_Invalid(t *testing.T) {
	for _, expr := range []string{
		"* * * *",
		"60 * * * *",
		"*/0 * * * *",
		"5-1 * * * *",
		"a * * * *",
		"1,,2 * * * *",
		"* * 0 * *",
	} {
		_, err := ParseCronExpression(expr)
		assert.Error(t, err, expr)
	}
}

func TestEvery_ClampsToOneSecond(t *testing.T) {
	assert.Equal(t, time.Second, Every(time.Millisecond).Interval)
	assert.Equal(t, "@every 1h0m0s", Every(time.Hour).String())
}

// ─────────────────────────────────────────────────────────────────────────────
// Scheduler
// ─────────────────────────────────────────────────────────────────────────────

type funcJob struct {
	name string
	run  func(ctx context.Context) error
}

func (j funcJob) Name() string                  { return j.name }
func (j funcJob) Description() string           { return "test job " + j.name }
func (j funcJob) Run(ctx context.Context) error { return j.run(ctx) }

// asap makes a job due on the next tick.
type asap struct{}

func (asap) Next(t time.Time) time.Time { return t.Add(time.Millisecond) }
func (asap) String() string             { return "asap" }

func newTestScheduler() *Scheduler {
	return New(Config{Tick: 5 * time.Millisecond})
}

func TestScheduler_RunsDueJobs(t *testing.T) {
	s := newTestScheduler()
	var runs atomic.Int32
	require.NoError(t, s.Register(funcJob{name: "count", run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}, asap{}))

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())

	infos := s.ListJobs()
	require.Len(t, infos, 1)
	assert.GreaterOrEqual(t, infos[0].Runs, int64(3))
	assert.Zero(t, infos[0].Failures)
	assert.NotEmpty(t, s.History(0))
}

func TestScheduler_JobDoesNotOverlapItself(t *testing.T) {
	s := newTestScheduler()
	var active, peak atomic.Int32
	require.NoError(t, s.Register(funcJob{name: "slow", run: func(ctx context.Context) error {
		n := active.Add(1)
		defer active.Add(-1)
		if n > peak.Load() {
			peak.Store(n)
		}
		select {
		case <-time.After(40 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	}}, asap{}))

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, s.Stop())

	assert.EqualValues(t, 1, peak.Load())
}

func TestScheduler_StopCancelsRunningJobs(t *testing.T) {
	s := newTestScheduler()
	started := make(chan struct{})
	var once atomic.Bool
	require.NoError(t, s.Register(funcJob{name: "block", run: func(ctx context.Context) error {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}}, asap{}))

	require.NoError(t, s.Start(context.Background()))
	<-started
	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
}

func TestScheduler_RunNowRecordsFailuresAndPanics(t *testing.T) {
	s := newTestScheduler()
	boom := errors.New("boom")
	require.NoError(t, s.Register(funcJob{name: "fail", run: func(context.Context) error { return boom }}, Every(time.Hour)))
	require.NoError(t, s.Register(funcJob{name: "panic", run: func(context.Context) error { panic("bad") }}, Every(time.Hour)))

	var completed []JobResult
	s.OnJobComplete(func(r JobResult) { completed = append(completed, r) })

	res, err := s.RunNow(context.Background(), "fail")
	assert.EqualError(t, err, "boom")
	assert.False(t, res.Success)
	assert.True(t, res.Manual)

	res, err = s.RunNow(context.Background(), "panic")
	assert.Error(t, err)
	assert.Contains(t, res.Error, "panicked")

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.Len(t, completed, 2)
	for _, info := range s.ListJobs() {
		assert.EqualValues(t, 1, info.Failures, info.Name)
		assert.False(t, info.Running)
	}
}

func TestScheduler_Registration(t *testing.T) {
	s := newTestScheduler()
	job := funcJob{name: "dup", run: func(context.Context) error { return nil }}

	assert.ErrorIs(t, s.Register(nil, asap{}), ErrNilJob)
	assert.ErrorIs(t, s.Register(job, nil), ErrNilSchedule)
	require.NoError(t, s.Register(job, asap{}))
	assert.ErrorIs(t, s.Register(job, asap{}), ErrJobAlreadyExists)

	require.NoError(t, s.SetEnabled("dup", false))
	assert.False(t, s.ListJobs()[0].Enabled)
	assert.ErrorIs(t, s.SetEnabled("nope", true), ErrJobNotFound)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerAlreadyRunning)
	require.NoError(t, s.Stop())
}
