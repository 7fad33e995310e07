// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"fmt"
	"time"

	"github.com/recoverlution/luma/internal/domain/baseline"
	"github.com/recoverlution/luma/internal/domain/decision"
	"github.com/recoverlution/luma/internal/domain/microblock"
	"github.com/recoverlution/luma/internal/domain/patient"
	"github.com/recoverlution/luma/internal/domain/pattern"
	"github.com/recoverlution/luma/internal/domain/shared"
	"github.com/recoverlution/luma/pkg/keylock"
	"github.com/recoverlution/luma/pkg/logger"
	"github.com/recoverlution/luma/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// DECISION CYCLE
// Every ingestion command ends here. Under the patient's lock it:
// 1. Emits state-change events for the applied assessments
// 2. Advances the baseline protocol
// 3. Re-runs pattern detection
// 4. Runs the decision engine on an in-memory view
// 5. Persists the decision, then publishes every event
// ══════════════════════════════════════════════════════════════════════════════

// Locker serializes work per key. pkg/keylock covers one process; the Redis
// lock covers replicas.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

type chainLocker []Locker

// ChainLockers acquires each lock in order and releases them in reverse.
func ChainLockers(lockers ...Locker) Locker {
	return chainLocker(lockers)
}

func (c chainLocker) Lock(ctx context.Context, key string) (func(), error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, l := range c {
		if l == nil {
			continue
		}
		release, err := l.Lock(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// CycleConfig contains the settings that sit between commands and the engine.
type CycleConfig struct {
	// DistressWindow bounds how old a check-in may be and still drive Stability.
	DistressWindow time.Duration

	// Clock returns the current time.
	Clock func() time.Time
}

// DefaultCycleConfig returns default configuration.
func DefaultCycleConfig() CycleConfig {
	return CycleConfig{
		DistressWindow: 24 * time.Hour,
		Clock:          func() time.Time { return time.Now().UTC() },
	}
}

// CycleDeps wires the collaborators of a Cycle. Cache, Locker, Retrier and
// Logger are optional.
type CycleDeps struct {
	Patients  patient.Repository
	Signals   patient.SignalRepository
	Store     *microblock.Store
	Baseline  *baseline.Orchestrator
	Detector  *pattern.Detector
	Patterns  pattern.Repository
	Decisions decision.Repository
	Cache     decision.Cache
	Engine    decision.Engine
	Locker    Locker
	Publisher shared.EventPublisher
	Retrier   *retry.Retrier
	Logger    *logger.Logger
}

// Cycle runs decision cycles for the ingestion commands.
type Cycle struct {
	patients  patient.Repository
	signals   patient.SignalRepository
	store     *microblock.Store
	baseline  *baseline.Orchestrator
	detector  *pattern.Detector
	patterns  pattern.Repository
	decisions decision.Repository
	cache     decision.Cache
	engine    decision.Engine
	locker    Locker
	publisher shared.EventPublisher
	retrier   *retry.Retrier
	log       *logger.Logger
	config    CycleConfig
}

// NewCycle creates a new Cycle.
func NewCycle(deps CycleDeps, config CycleConfig) *Cycle {
	if deps.Locker == nil {
		deps.Locker = keylock.New()
	}
	if deps.Retrier == nil {
		deps.Retrier = retry.EscalationRetrier()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if config.Clock == nil {
		config.Clock = DefaultCycleConfig().Clock
	}
	if config.DistressWindow <= 0 {
		config.DistressWindow = DefaultCycleConfig().DistressWindow
	}
	return &Cycle{
		patients:  deps.Patients,
		signals:   deps.Signals,
		store:     deps.Store,
		baseline:  deps.Baseline,
		detector:  deps.Detector,
		patterns:  deps.Patterns,
		decisions: deps.Decisions,
		cache:     deps.Cache,
		engine:    deps.Engine,
		locker:    deps.Locker,
		publisher: deps.Publisher,
		retrier:   deps.Retrier,
		log:       deps.Logger.Named("cycle"),
		config:    config,
	}
}

// Now returns the cycle clock.
func (c *Cycle) Now() time.Time {
	return c.config.Clock()
}

// Store returns the state store used by the cycle.
func (c *Cycle) Store() *microblock.Store {
	return c.store
}

// Engine returns the decision engine.
func (c *Cycle) Engine() decision.Engine {
	return c.engine
}

// lockPatient takes the per-patient lock.
func (c *Cycle) lockPatient(ctx context.Context, id shared.PatientID) (func(), error) {
	release, err := c.locker.Lock(ctx, "patient:"+id.String())
	if err != nil {
		return nil, fmt.Errorf("lock patient %s: %w", id, err)
	}
	return release, nil
}

// loadTracked returns the patient or an error if it does not exist or is not tracked.
func (c *Cycle) loadTracked(ctx context.Context, id shared.PatientID) (*patient.Patient, error) {
	p, err := c.patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.EnsureTracked(); err != nil {
		return nil, err
	}
	return p, nil
}

// CycleResult is what one cycle produced.
type CycleResult struct {
	// Decision is the active decision after the cycle.
	Decision decision.Decision

	// Emitted is false when an existing active decision was kept.
	Emitted bool

	// States are the states changed by the command, in apply order.
	States []microblock.State

	// Events were published after the writes.
	Events []shared.Event
}

type cycleInput struct {
	patient *patient.Patient
	trigger decision.Trigger
	now     time.Time
	applied []microblock.ApplyResult
	events  []shared.Event
}

// run must be called with the patient lock held.
func (c *Cycle) run(ctx context.Context, in cycleInput) (*CycleResult, error) {
	p := in.patient
	loc := p.Location()
	log := c.log.With(logger.PatientID(p.ID.String()), logger.String("trigger", string(in.trigger)))

	result := &CycleResult{Events: append([]shared.Event(nil), in.events...)}

	var lastAt time.Time
	for _, r := range in.applied {
		result.States = append(result.States, r.Current)
		if r.Event.OccurredAt.After(lastAt) {
			lastAt = r.Event.OccurredAt
		}
		if r.Changed() {
			result.Events = append(result.Events, shared.NewMicroBlockStateChangedEvent(
				p.ID, r.Current.MicroBlockID, r.Previous.Light, r.Current.Light,
				r.Current.Confidence, r.Event.Source, r.Event.RecordedAt))
		}
		if r.OverrideReleased() {
			ev := shared.NewMicroBlockStateChangedEvent(
				p.ID, r.Current.MicroBlockID, r.Previous.Light, r.Current.Light,
				r.Current.Confidence, r.Event.Source, r.Event.RecordedAt)
			ev.Type = shared.EventOverrideReleased
			result.Events = append(result.Events, ev)
		}
	}

	if len(in.applied) > 0 {
		baselineEvents, err := c.baseline.OnEvent(ctx, p.ID, lastAt, loc)
		if err != nil {
			return nil, fmt.Errorf("baseline: %w", err)
		}
		result.Events = append(result.Events, baselineEvents...)
		if err := c.activateOnCompletion(ctx, p, baselineEvents, in.now); err != nil {
			return nil, err
		}

		_, patternEvents, err := c.detector.Detect(ctx, p.ID, loc, in.now)
		if err != nil {
			return nil, fmt.Errorf("detect patterns: %w", err)
		}
		result.Events = append(result.Events, patternEvents...)
	}

	d, emitted, err := c.decide(ctx, p, in.trigger, in.now)
	if err != nil {
		return nil, err
	}
	result.Decision = d
	result.Emitted = emitted
	if emitted {
		result.Events = append(result.Events, shared.NewDecisionEmittedEvent(
			p.ID, d.ID, string(d.Action), d.ContentID, string(d.Tier),
			d.PrimaryMicroBlock, d.ReasoningStrings(), d.CreatedAt))
		log.Info("decision emitted",
			logger.DecisionID(d.ID),
			logger.Tier(string(d.Tier)),
			logger.String("action", d.SelectedAction()),
		)
	}

	c.publish(ctx, result.Events)
	return result, nil
}

func (c *Cycle) activateOnCompletion(ctx context.Context, p *patient.Patient, events []shared.Event, now time.Time) error {
	if p.Status != patient.StatusOnboarding {
		return nil
	}
	for _, e := range events {
		if e.EventType() != shared.EventBaselineCompleted {
			continue
		}
		if err := p.Activate(now); err != nil {
			return err
		}
		if err := c.patients.Update(ctx, p); err != nil {
			return fmt.Errorf("update patient: %w", err)
		}
		return nil
	}
	return nil
}

// ════════════════════════════════════════════════════════════════════════════
// Decide and persist
// ════════════════════════════════════════════════════════════════════════════

func (c *Cycle) decide(ctx context.Context, p *patient.Patient, trigger decision.Trigger, now time.Time) (decision.Decision, bool, error) {
	in, err := c.buildInput(ctx, p, trigger, now)
	if err != nil {
		return decision.Decision{}, false, err
	}

	d := c.engine.Decide(in)

	// Outside Safety, only a fresh check-in or completion replaces an active
	// decision, and an active escalation stays until it expires.
	if d.Tier != decision.TierSafety {
		if prev, ok := decision.ActiveFrom(in.Recent, now); ok && (prev.IsEscalation() || !supersedes(trigger)) {
			return prev, false, nil
		}
	}

	if err := d.Validate(); err != nil {
		return decision.Decision{}, false, fmt.Errorf("engine produced invalid decision: %w", err)
	}
	if err := c.persist(ctx, d); err != nil {
		return decision.Decision{}, false, err
	}
	return d, true, nil
}

func supersedes(trigger decision.Trigger) bool {
	return trigger == decision.TriggerCheckin || trigger == decision.TriggerContentCompletion
}

// buildInput performs every read the engine needs.
func (c *Cycle) buildInput(ctx context.Context, p *patient.Patient, trigger decision.Trigger, now time.Time) (decision.Input, error) {
	cfg := c.engine.Config()

	snap, err := c.store.Snapshot(ctx, p.ID, now)
	if err != nil {
		return decision.Input{}, fmt.Errorf("snapshot: %w", err)
	}

	patterns, err := c.patterns.ListForPatient(ctx, p.ID)
	if err != nil {
		return decision.Input{}, fmt.Errorf("list patterns: %w", err)
	}

	recent, err := c.recentDecisions(ctx, p.ID, now)
	if err != nil {
		return decision.Input{}, err
	}

	in := decision.Input{
		PatientID:         p.ID,
		Now:               now,
		Trigger:           trigger,
		Location:          p.Location(),
		Snapshot:          snap,
		Catalog:           c.store.Catalog(),
		Patterns:          patterns,
		Recent:            recent,
		SuggestionsPaused: p.SuggestionsPaused,
	}

	flags, err := c.signals.CrisisFlagsSince(ctx, p.ID, now.Add(-cfg.CrisisFlagWindow))
	if err != nil {
		return decision.Input{}, fmt.Errorf("list crisis flags: %w", err)
	}
	for i := len(flags) - 1; i >= 0; i-- {
		if decision.CrisisFlagActive(flags[i].At, recent, now, cfg.CrisisFlagWindow) {
			in.CrisisFlag = true
			in.CrisisFlagSource = flags[i].Source
			break
		}
	}

	checkin, err := c.signals.LatestCheckin(ctx, p.ID)
	switch {
	case shared.IsNotFound(err):
	case err != nil:
		return decision.Input{}, fmt.Errorf("latest check-in: %w", err)
	case !checkin.At.After(now) && now.Sub(checkin.At) <= c.config.DistressWindow:
		in.HighDistress = checkin.IsHighDistress(cfg.ArousalThreshold)
		in.CurrentContext = checkin.ContextTags
	}

	return in, nil
}

// recentDecisions covers the rest and crisis windows and at least the
// diversity window, newest first.
func (c *Cycle) recentDecisions(ctx context.Context, id shared.PatientID, now time.Time) ([]decision.Decision, error) {
	cfg := c.engine.Config()
	window := cfg.RestWindow
	if cfg.CrisisFlagWindow > window {
		window = cfg.CrisisFlagWindow
	}
	recent, err := c.decisions.ListSince(ctx, id, now.Add(-window))
	if err != nil {
		return nil, fmt.Errorf("list recent decisions: %w", err)
	}
	if len(recent) < cfg.DiversityWindow {
		recent, err = c.decisions.Recent(ctx, id, cfg.DiversityWindow)
		if err != nil {
			return nil, fmt.Errorf("list recent decisions: %w", err)
		}
	}
	return recent, nil
}

// persist writes the decision. ESCALATE writes retry with backoff and log at
// error level when they give up.
func (c *Cycle) persist(ctx context.Context, d decision.Decision) error {
	log := c.log.With(logger.PatientID(d.PatientID.String()), logger.DecisionID(d.ID))

	save := func(ctx context.Context) error {
		err := c.decisions.Save(ctx, d)
		if shared.IsAlreadyExists(err) {
			return retry.Permanent(err)
		}
		return err
	}

	if d.IsEscalation() {
		if err := c.retrier.Do(ctx, save); err != nil {
			log.Error("escalation decision could not be persisted",
				logger.Err(err),
				logger.Int("attempts", c.retrier.MaxAttempts()),
			)
			return fmt.Errorf("persist escalation: %w", err)
		}
	} else if err := save(ctx); err != nil {
		return fmt.Errorf("persist decision: %w", err)
	}

	if c.cache != nil {
		if err := c.cache.SetActive(ctx, d); err != nil {
			log.Warn("failed to cache active decision", logger.Err(err))
		}
	}
	return nil
}

// publish runs after every write has succeeded. Delivery failures are logged.
func (c *Cycle) publish(ctx context.Context, events []shared.Event) {
	if c.publisher == nil {
		return
	}
	for _, e := range events {
		if err := c.publisher.Publish(ctx, e); err != nil {
			c.log.Warn("failed to publish event",
				logger.String("event_type", string(e.EventType())),
				logger.String("aggregate_id", e.AggregateID()),
				logger.Err(err),
			)
		}
	}
}
