package command_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/recoverlution/luma/internal/application/command"
	"github.com/recoverlution/luma/internal/domain/baseline"
	"github.com/recoverlution/luma/internal/domain/catalog"
	"github.com/recoverlution/luma/internal/domain/decision"
	"github.com/recoverlution/luma/internal/domain/microblock"
	"github.com/recoverlution/luma/internal/domain/patient"
	"github.com/recoverlution/luma/internal/domain/pattern"
	"github.com/recoverlution/luma/internal/domain/shared"
	"github.com/recoverlution/luma/internal/infrastructure/persistence/memory"
	"github.com/recoverlution/luma/pkg/keylock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ─────────────────────────────────────────────────────────────────────────────
// Fixture
// ─────────────────────────────────────────────────────────────────────────────

type clock struct {
	mu   sync.Mutex
	now  time.Time
	tick time.Duration
}

// Now returns the current time, then moves it on by tick.
func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.tick)
	return now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []shared.Event
}

func (r *recorder) Publish(_ context.Context, e shared.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []shared.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]shared.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType())
	}
	return out
}

type fixture struct {
	clock     *clock
	bus       *recorder
	cycle     *command.Cycle
	decisions *memory.DecisionRepository
	baselines *memory.BaselineRepository
	patients  *command.PatientHandler
	checkins  *command.RecordCheckinHandler
	crisis    *command.RecordCrisisFlagHandler
	sweep     *command.SweepPatientHandler
	watch     *command.WatchBaselinesHandler
}

func newFixture(t *testing.T, opts ...func(*command.CycleDeps)) *fixture {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)
	reg := catalog.NewRegistry(cat)

	events := memory.NewEventRepository()
	store := microblock.NewStore(events, memory.NewStateRepository(), reg, microblock.DefaultParams())
	baselines := memory.NewBaselineRepository()
	patterns := memory.NewPatternRepository()
	decisions := memory.NewDecisionRepository()

	clk := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	bus := &recorder{}
	deps := command.CycleDeps{
		Patients:  memory.NewPatientRepository(),
		Signals:   memory.NewSignalRepository(),
		Store:     store,
		Baseline:  baseline.NewOrchestrator(baselines, store, reg, baseline.DefaultConfig()),
		Detector:  pattern.NewDetector(events, patterns, pattern.DefaultConfig()),
		Patterns:  patterns,
		Decisions: decisions,
		Engine:    decision.NewEngine(decision.DefaultConfig()),
		Publisher: bus,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	cycle := command.NewCycle(deps, command.CycleConfig{Clock: clk.Now})

	return &fixture{
		clock:     clk,
		bus:       bus,
		cycle:     cycle,
		decisions: decisions,
		baselines: baselines,
		patients:  command.NewPatientHandler(cycle),
		checkins:  command.NewRecordCheckinHandler(cycle, command.DefaultRecordCheckinHandlerConfig()),
		crisis:    command.NewRecordCrisisFlagHandler(cycle),
		sweep:     command.NewSweepPatientHandler(cycle),
		watch:     command.NewWatchBaselinesHandler(cycle, baselines),
	}
}

func (f *fixture) enroll(t *testing.T) *patient.Patient {
	t.Helper()
	p, err := f.patients.Enroll(context.Background(), command.EnrollPatientCommand{Timezone: "Europe/London"})
	require.NoError(t, err)
	return p
}

func (f *fixture) checkin(t *testing.T, p *patient.Patient, dims map[string]float64) *command.RecordCheckinResult {
	t.Helper()
	res, err := f.checkins.Handle(context.Background(), command.RecordCheckinCommand{
		PatientID:  p.ID.String(),
		Dimensions: dims,
	})
	require.NoError(t, err)
	return res
}

// ─────────────────────────────────────────────────────────────────────────────
// Scenarios
// ─────────────────────────────────────────────────────────────────────────────

func TestCheckin_EmitsPersistedDecision(t *testing.T) {
	f := newFixture(t)
	p := f.enroll(t)

	res := f.checkin(t, p, map[string]float64{"ER-DT-001": 0.9, "SR-RC-002": 0.2})

	require.True(t, res.Emitted)
	require.NoError(t, res.Decision.Validate())
	assert.Equal(t, decision.TriggerCheckin, res.Decision.Trigger)
	assert.Len(t, res.States, 2)

	stored, err := f.decisions.Get(context.Background(), res.Decision.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Decision.ID, stored.ID)

	types := f.bus.types()
	assert.Contains(t, types, shared.EventPatientEnrolled)
	assert.Contains(t, types, shared.EventBaselineStarted)
	assert.Contains(t, types, shared.EventDecisionEmitted)
}

func TestCrisisFlag_EscalatesConfidentRedBlock(t *testing.T) {
	f := newFixture(t)
	p := f.enroll(t)

	for i := 0; i < 3; i++ {
		f.checkin(t, p, map[string]float64{"ER-DT-001": 0.05})
		f.clock.Advance(10 * time.Minute)
	}

	res, err := f.crisis.Handle(context.Background(), command.RecordCrisisFlagCommand{
		PatientID: p.ID.String(),
		Source:    "message-analysis",
	})
	require.NoError(t, err)

	require.True(t, res.Emitted)
	assert.Equal(t, decision.ActionEscalate, res.Decision.Action)
	assert.Equal(t, decision.TierSafety, res.Decision.Tier)
	assert.Equal(t, shared.MicroBlockID("ER-DT-001"), res.Decision.PrimaryMicroBlock)
	assert.Contains(t, f.bus.types(), shared.EventEscalationRaised)
	assert.Contains(t, f.bus.types(), shared.EventCrisisFlagged)

	escalations, err := f.decisions.EscalationsAfter(context.Background(), 0, time.Time{}, 10)
	require.NoError(t, err)
	assert.Len(t, escalations, 1)
}

func TestCrisisFlag_WithoutConfidentRedDoesNotEscalate(t *testing.T) {
	f := newFixture(t)
	p := f.enroll(t)
	f.checkin(t, p, map[string]float64{"ER-DT-001": 0.05})

	res, err := f.crisis.Handle(context.Background(), command.RecordCrisisFlagCommand{
		PatientID: p.ID.String(),
		Source:    "message-analysis",
	})
	require.NoError(t, err)
	assert.NotEqual(t, decision.ActionEscalate, res.Decision.Action)
}

func TestSweep_KeepsActiveDecision(t *testing.T) {
	f := newFixture(t)
	p := f.enroll(t)
	first := f.checkin(t, p, map[string]float64{"ER-DT-001": 0.5})
	require.True(t, first.Emitted)

	f.clock.Advance(time.Hour)
	res, err := f.sweep.Handle(context.Background(), p.ID)
	require.NoError(t, err)

	assert.False(t, res.Emitted)
	assert.Equal(t, first.Decision.ID, res.Decision.ID)

	recent, err := f.decisions.Recent(context.Background(), p.ID, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestSweep_EmitsAfterExpiry(t *testing.T) {
	f := newFixture(t)
	p := f.enroll(t)
	first := f.checkin(t, p, map[string]float64{"ER-DT-001": 0.5})

	f.clock.Advance(first.Decision.ExpiresAt.Sub(f.clock.Now()) + time.Minute)
	res, err := f.sweep.Handle(context.Background(), p.ID)
	require.NoError(t, err)

	assert.True(t, res.Emitted)
	assert.Equal(t, decision.TriggerScheduledSweep, res.Decision.Trigger)
	assert.NotEqual(t, first.Decision.ID, res.Decision.ID)
}

func TestWatchBaselines_PausesQuietPatients(t *testing.T) {
	f := newFixture(t)
	quiet := f.enroll(t)
	busy := f.enroll(t)
	f.checkin(t, quiet, map[string]float64{"ER-DT-001": 0.5})
	f.checkin(t, busy, map[string]float64{"ER-DT-001": 0.5})

	for day := 0; day < 6; day++ {
		f.clock.Advance(24 * time.Hour)
		f.checkin(t, busy, map[string]float64{"ER-DT-001": 0.5})
	}

	res, err := f.watch.Handle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, []shared.PatientID{quiet.ID}, res.Paused)

	b, err := f.baselines.Get(context.Background(), quiet.ID)
	require.NoError(t, err)
	assert.Equal(t, baseline.StatusPaused, b.Status)
	assert.Contains(t, f.bus.types(), shared.EventBaselinePaused)

	res, err = f.watch.Handle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Paused)
}

func TestCheckin_Rejections(t *testing.T) {
	f := newFixture(t)
	p := f.enroll(t)
	ctx := context.Background()

	_, err := f.checkins.Handle(ctx, command.RecordCheckinCommand{
		PatientID:  p.ID.String(),
		Dimensions: map[string]float64{"ER-DT-001": 1.5},
	})
	assert.True(t, shared.IsValidation(err), "got %v", err)

	_, err = f.checkins.Handle(ctx, command.RecordCheckinCommand{
		PatientID:  p.ID.String(),
		Dimensions: map[string]float64{"ER-DT-001": 0.5},
		Timestamp:  f.clock.Now().Add(time.Hour),
	})
	assert.True(t, shared.IsValidation(err), "got %v", err)

	_, err = f.checkins.Handle(ctx, command.RecordCheckinCommand{
		PatientID:  "2b0c8a55-9d8e-4c1a-8f0e-000000000000",
		Dimensions: map[string]float64{"ER-DT-001": 0.5},
	})
	assert.True(t, shared.IsNotFound(err), "got %v", err)

	f.checkin(t, p, map[string]float64{"ER-DT-001": 0.5})
	_, err = f.checkins.Handle(ctx, command.RecordCheckinCommand{
		PatientID:  p.ID.String(),
		Dimensions: map[string]float64{"ER-DT-001": 0.5},
		Timestamp:  f.clock.Now().Add(-time.Hour),
	})
	assert.True(t, shared.IsOutOfOrder(err), "got %v", err)
}

func TestCheckin_ParallelForOnePatientIsSerialised(t *testing.T) {
	f := newFixture(t)
	f.clock.tick = time.Second
	p := f.enroll(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.checkins.Handle(context.Background(), command.RecordCheckinCommand{
				PatientID:  p.ID.String(),
				Dimensions: map[string]float64{"ER-EA-001": 0.6, fmt.Sprintf("ER-EA-%03d", i%5+1): 0.6},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	recent, err := f.decisions.Recent(context.Background(), p.ID, 20)
	require.NoError(t, err)
	assert.Len(t, recent, 10, "every check-in emits exactly one decision")
}

// gateLocker holds the first caller at the gate until it is opened, so a
// second caller can take the lock first.
type gateLocker struct {
	inner   command.Locker
	calls   atomic.Int32
	waiting chan struct{}
	open    chan struct{}
}

func (g *gateLocker) Lock(ctx context.Context, key string) (func(), error) {
	if g.calls.Add(1) == 1 {
		close(g.waiting)
		<-g.open
	}
	return g.inner.Lock(ctx, key)
}

func TestCheckin_TimestampTakenUnderLock(t *testing.T) {
	gate := &gateLocker{inner: keylock.New(), waiting: make(chan struct{}), open: make(chan struct{})}
	f := newFixture(t, func(d *command.CycleDeps) { d.Locker = gate })
	f.clock.tick = time.Second
	p := f.enroll(t)

	first := make(chan error, 1)
	go func() {
		_, err := f.checkins.Handle(context.Background(), command.RecordCheckinCommand{
			PatientID:  p.ID.String(),
			Dimensions: map[string]float64{"ER-DT-001": 0.4},
		})
		first <- err
	}()
	<-gate.waiting

	_, err := f.checkins.Handle(context.Background(), command.RecordCheckinCommand{
		PatientID:  p.ID.String(),
		Dimensions: map[string]float64{"ER-DT-001": 0.5},
	})
	require.NoError(t, err)

	close(gate.open)
	assert.NoError(t, <-first, "the waiting check-in is stamped after the one that went first")
}

func TestCheckin_KeepsActiveEscalation(t *testing.T) {
	f := newFixture(t)
	p := f.enroll(t)

	for i := 0; i < 3; i++ {
		f.checkin(t, p, map[string]float64{"ER-DT-001": 0.05})
		f.clock.Advance(10 * time.Minute)
	}
	esc, err := f.crisis.Handle(context.Background(), command.RecordCrisisFlagCommand{
		PatientID: p.ID.String(),
		Source:    "message-analysis",
	})
	require.NoError(t, err)
	require.Equal(t, decision.ActionEscalate, esc.Decision.Action)

	f.clock.Advance(5 * time.Minute)
	res := f.checkin(t, p, map[string]float64{"SR-RC-002": 0.9})

	assert.False(t, res.Emitted)
	assert.Equal(t, esc.Decision.ID, res.Decision.ID)

	recent, err := f.decisions.Recent(context.Background(), p.ID, 10)
	require.NoError(t, err)
	active, ok := decision.ActiveFrom(recent, f.clock.Now())
	require.True(t, ok)
	assert.Equal(t, decision.ActionEscalate, active.Action)
}
