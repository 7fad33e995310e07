package pattern

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/recoverlution/luma/internal/domain/microblock"
	"github.com/recoverlution/luma/internal/domain/shared"
	"github.com/recoverlution/luma/pkg/timeutil"
)

// Config holds detection thresholds.
type Config struct {
	Window          time.Duration `yaml:"window"`
	MinEvents       int           `yaml:"min_events"`
	CreateRatio     float64       `yaml:"create_ratio"`
	RetainRatio     float64       `yaml:"retain_ratio"`
	CounterStreak   int           `yaml:"counter_streak"`
	HourBucketWidth int           `yaml:"hour_bucket_width"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Window:          90 * timeutil.Day,
		MinEvents:       3,
		CreateRatio:     2.0 / 3.0,
		RetainRatio:     0.5,
		CounterStreak:   2,
		HourBucketWidth: 1,
	}
}

// Result is the outcome of one detection pass.
type Result struct {
	// Patterns is the full stored set after the pass, ordered by id.
	Patterns []Pattern
	// Saved were created or changed.
	Saved []Pattern
	// Deleted ids fell below the retention ratio.
	Deleted []string
	// Detected became active in this pass.
	Detected []Pattern
	// Invalidated became invalidated in this pass.
	Invalidated []Pattern
}

// Analyze is the pure detection function. Given the same events, existing
// patterns and config it always returns the same result, and feeding
// Result.Patterns back as existing yields no further changes.
func Analyze(patientID shared.PatientID, events []microblock.Event, existing []Pattern, loc *time.Location, now time.Time, cfg Config) Result {
	groups := group(events, loc, now, cfg)

	current := make(map[string]Pattern, len(existing))
	for _, p := range existing {
		current[p.ID] = p
	}

	var res Result
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		g := groups[k]
		id := PatternID(patientID, g.trigger, g.block)
		prev, had := current[id]

		next, keep := evaluate(patientID, id, g, prev, had, cfg)
		switch {
		case !keep && had:
			delete(current, id)
			res.Deleted = append(res.Deleted, id)
		case !keep:
		case !had || !samePattern(prev, next):
			current[id] = next
			res.Saved = append(res.Saved, next)
			if next.IsActive() && (!had || !prev.IsActive()) {
				res.Detected = append(res.Detected, next)
			}
			if !next.IsActive() && had && prev.IsActive() {
				res.Invalidated = append(res.Invalidated, next)
			}
		}
	}

	res.Patterns = make([]Pattern, 0, len(current))
	for _, p := range current {
		res.Patterns = append(res.Patterns, p)
	}
	sort.Slice(res.Patterns, func(i, j int) bool { return res.Patterns[i].ID < res.Patterns[j].ID })
	return res
}

type bucket struct {
	trigger Trigger
	block   shared.MicroBlockID
	events  []microblock.Event
}

func group(events []microblock.Event, loc *time.Location, now time.Time, cfg Config) map[string]*bucket {
	ordered := make([]microblock.Event, 0, len(events))
	from := now.Add(-cfg.Window)
	for _, e := range events {
		if e.IsOverride() || e.OccurredAt.Before(from) || e.OccurredAt.After(now) {
			continue
		}
		ordered = append(ordered, e)
	}
	microblock.SortEvents(ordered)

	out := make(map[string]*bucket)
	add := func(t Trigger, e microblock.Event) {
		k := t.Key() + "|" + string(e.MicroBlockID)
		b, ok := out[k]
		if !ok {
			b = &bucket{trigger: t, block: e.MicroBlockID}
			out[k] = b
		}
		b.events = append(b.events, e)
	}

	for _, e := range ordered {
		local := e.OccurredAt.In(loc)
		hs, he := timeutil.HourBucket(local, loc, cfg.HourBucketWidth)
		add(TimeTrigger(local.Weekday(), hs, he), e)
		for _, tag := range e.ContextTags {
			add(ContextTrigger(tag), e)
		}
	}
	return out
}

func evaluate(patientID shared.PatientID, id string, g *bucket, prev Pattern, had bool, cfg Config) (Pattern, bool) {
	total := len(g.events)
	if total < cfg.MinEvents {
		return prev, had
	}

	corroborating := 0
	var first, last time.Time
	for _, e := range g.events {
		if !e.Light.NeedsWork() {
			continue
		}
		corroborating++
		if first.IsZero() {
			first = e.OccurredAt
		}
		last = e.OccurredAt
	}
	ratio := float64(corroborating) / float64(total)

	counter := 0
	for i := len(g.events) - 1; i >= 0 && g.events[i].Light == shared.LightGreen; i-- {
		counter++
	}
	invalid := counter >= cfg.CounterStreak

	if !had && (ratio < cfg.CreateRatio || invalid) {
		return Pattern{}, false
	}
	if had && prev.IsActive() && ratio < cfg.RetainRatio && !invalid {
		return Pattern{}, false
	}

	p := Pattern{
		ID:            id,
		PatientID:     patientID,
		Trigger:       g.trigger,
		MicroBlocks:   []shared.MicroBlockID{g.block},
		Confidence:    ratio,
		Corroborating: corroborating,
		Total:         total,
		FirstObserved: first,
		LastConfirmed: last,
		Status:        StatusActive,
	}
	if had {
		if !prev.FirstObserved.IsZero() && (first.IsZero() || prev.FirstObserved.Before(first)) {
			p.FirstObserved = prev.FirstObserved
		}
		if prev.LastConfirmed.After(p.LastConfirmed) {
			p.LastConfirmed = prev.LastConfirmed
		}
	}

	switch {
	case invalid:
		p.Status = StatusInvalidated
		at := g.events[len(g.events)-1].OccurredAt
		if had && prev.InvalidatedAt != nil {
			at = *prev.InvalidatedAt
		}
		p.InvalidatedAt = &at
	case had && !prev.IsActive() && ratio < cfg.CreateRatio:
		// Stays invalidated until the evidence would create it afresh.
		p.Status = StatusInvalidated
		p.InvalidatedAt = prev.InvalidatedAt
	}
	return p, true
}

func samePattern(a, b Pattern) bool {
	if a.Status != b.Status || a.Confidence != b.Confidence ||
		a.Corroborating != b.Corroborating || a.Total != b.Total ||
		!a.FirstObserved.Equal(b.FirstObserved) || !a.LastConfirmed.Equal(b.LastConfirmed) {
		return false
	}
	if (a.InvalidatedAt == nil) != (b.InvalidatedAt == nil) {
		return false
	}
	return a.InvalidatedAt == nil || a.InvalidatedAt.Equal(*b.InvalidatedAt)
}

// ══════════════════════════════════════════════════════════════════════════════
// DETECTOR
// ══════════════════════════════════════════════════════════════════════════════

// Detector runs Analyze against the stored log and persists the outcome.
type Detector struct {
	events microblock.EventRepository
	repo   Repository
	cfg    Config
}

// NewDetector creates a Detector.
func NewDetector(events microblock.EventRepository, repo Repository, cfg Config) *Detector {
	return &Detector{events: events, repo: repo, cfg: cfg}
}

// Config returns the thresholds.
func (d *Detector) Config() Config {
	return d.cfg
}

// Detect re-evaluates the patient's rolling window and returns the stored
// pattern set together with the lifecycle events to publish. Sparse data
// yields an empty result, never an error.
func (d *Detector) Detect(ctx context.Context, patientID shared.PatientID, loc *time.Location, now time.Time) (Result, []shared.Event, error) {
	events, err := d.events.ListForPatient(ctx, patientID, now.Add(-d.cfg.Window))
	if err != nil {
		return Result{}, nil, fmt.Errorf("list events: %w", err)
	}
	existing, err := d.repo.ListForPatient(ctx, patientID)
	if err != nil {
		return Result{}, nil, fmt.Errorf("list patterns: %w", err)
	}

	res := Analyze(patientID, events, existing, loc, now, d.cfg)

	for _, p := range res.Saved {
		if err := d.repo.Save(ctx, p); err != nil {
			return Result{}, nil, fmt.Errorf("save pattern %s: %w", p.ID, err)
		}
	}
	for _, id := range res.Deleted {
		if err := d.repo.Delete(ctx, patientID, id); err != nil {
			return Result{}, nil, fmt.Errorf("delete pattern %s: %w", id, err)
		}
	}

	var out []shared.Event
	for _, p := range res.Detected {
		out = append(out, shared.NewPatternEvent(shared.EventPatternDetected, patientID, p.ID, p.Trigger.String(), p.MicroBlocks, p.Confidence, now))
	}
	for _, p := range res.Invalidated {
		out = append(out, shared.NewPatternEvent(shared.EventPatternInvalidated, patientID, p.ID, p.Trigger.String(), p.MicroBlocks, p.Confidence, now))
	}
	return res, out, nil
}
