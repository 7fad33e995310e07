package baseline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/recoverlution/luma/internal/domain/catalog"
	"github.com/recoverlution/luma/internal/domain/microblock"
	"github.com/recoverlution/luma/internal/domain/shared"
)

// Orchestrator sequences the onboarding protocol.
// Callers serialize calls per patient.
type Orchestrator struct {
	repo     Repository
	store    *microblock.Store
	catalogs microblock.CatalogProvider
	cfg      Config
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(repo Repository, store *microblock.Store, catalogs microblock.CatalogProvider, cfg Config) *Orchestrator {
	return &Orchestrator{
		repo:     repo,
		store:    store,
		catalogs: catalogs,
		cfg:      cfg,
	}
}

// Config returns the protocol thresholds.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Status returns the patient's record, NOT_STARTED if none is stored.
func (o *Orchestrator) Status(ctx context.Context, patientID shared.PatientID, now time.Time) (*Baseline, error) {
	b, err := o.repo.Get(ctx, patientID)
	if shared.IsNotFound(err) {
		return New(patientID, now), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load baseline: %w", err)
	}
	return b, nil
}

// NextStep picks the next probe. Pillars rotate with every issued step so
// no pillar is exhausted before the others; inside a pillar the
// least-recently-sampled unknown or low-confidence block wins.
// Returns nil once the protocol is complete or nothing is left to sample.
func (o *Orchestrator) NextStep(ctx context.Context, patientID shared.PatientID, now time.Time) (*catalog.ContentItem, error) {
	b, err := o.Status(ctx, patientID, now)
	if err != nil {
		return nil, err
	}
	if b.Status == StatusComplete {
		return nil, nil
	}

	snap, err := o.store.Snapshot(ctx, patientID, now)
	if err != nil {
		return nil, err
	}
	cat := o.catalogs.Active()

	pillars := shared.AllPillars()
	for i := range pillars {
		p := pillars[(b.StepsIssued+i)%len(pillars)]
		block, ok := o.pick(snap, cat.BlocksByPillar(p))
		if !ok {
			continue
		}
		item, ok := cat.EasiestFor(block)
		if !ok {
			continue
		}
		b.StepsIssued++
		b.UpdatedAt = now.UTC()
		if err := o.repo.Save(ctx, b); err != nil {
			return nil, fmt.Errorf("save baseline: %w", err)
		}
		return &item, nil
	}
	return nil, nil
}

func (o *Orchestrator) pick(snap microblock.Snapshot, blocks []shared.MicroBlockID) (shared.MicroBlockID, bool) {
	var candidates []microblock.State
	for _, id := range blocks {
		st, ok := snap.Get(id)
		if !ok {
			continue
		}
		if st.IsKnown() && st.Confidence >= o.cfg.LowConfidence {
			continue
		}
		candidates = append(candidates, st)
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, c := candidates[i], candidates[j]
		if a.IsKnown() != c.IsKnown() {
			return !a.IsKnown()
		}
		if !a.LastAssessed.Equal(c.LastAssessed) {
			return a.LastAssessed.Before(c.LastAssessed)
		}
		return a.MicroBlockID < c.MicroBlockID
	})
	return candidates[0].MicroBlockID, true
}

// OnEvent advances the protocol after an applied assessment and returns the
// lifecycle events to publish.
func (o *Orchestrator) OnEvent(ctx context.Context, patientID shared.PatientID, at time.Time, loc *time.Location) ([]shared.Event, error) {
	b, err := o.Status(ctx, patientID, at)
	if err != nil {
		return nil, err
	}
	if b.Status == StatusComplete {
		return nil, nil
	}

	snap, err := o.store.Snapshot(ctx, patientID, at)
	if err != nil {
		return nil, err
	}
	assessed := len(snap.Known())

	transitions := b.RecordEvent(at, assessed, loc, o.cfg)
	if err := o.repo.Save(ctx, b); err != nil {
		return nil, fmt.Errorf("save baseline: %w", err)
	}

	events := make([]shared.Event, 0, len(transitions))
	for _, t := range transitions {
		events = append(events, shared.NewBaselineStatusEvent(t, patientID, assessed, b.ElapsedDays(at, loc), at))
	}
	return events, nil
}

// Sweep pauses a disengaged protocol. Safe to re-run.
func (o *Orchestrator) Sweep(ctx context.Context, patientID shared.PatientID, now time.Time, loc *time.Location) ([]shared.Event, error) {
	b, err := o.repo.Get(ctx, patientID)
	if shared.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load baseline: %w", err)
	}
	if !b.CheckDisengagement(now, o.cfg) {
		return nil, nil
	}
	if err := o.repo.Save(ctx, b); err != nil {
		return nil, fmt.Errorf("save baseline: %w", err)
	}
	return []shared.Event{
		shared.NewBaselineStatusEvent(shared.EventBaselinePaused, patientID, b.AssessedBlocks, b.ElapsedDays(now, loc), now),
	}, nil
}
