// Package pillar rolls micro-block states up into the six pillar scores used
// by clinician reporting.
package pillar

import (
	"context"
	"time"

	"github.com/recoverlution/luma/internal/domain/catalog"
	"github.com/recoverlution/luma/internal/domain/microblock"
	"github.com/recoverlution/luma/internal/domain/shared"
)

// Score is one pillar's roll-up. When no block is known HasScore is false and
// Score is meaningless: the pillar is unassessed, not average.
type Score struct {
	Pillar     shared.Pillar         `json:"pillar"`
	Name       string                `json:"name"`
	Score      float64               `json:"score"`
	HasScore   bool                  `json:"has_score"`
	Coverage   float64               `json:"coverage"`
	Known      int                   `json:"known"`
	Total      int                   `json:"total"`
	Red        int                   `json:"red"`
	Orange     int                   `json:"orange"`
	Green      int                   `json:"green"`
	ReviewsDue []shared.MicroBlockID `json:"reviews_due,omitempty"`
}

// Report is the per-patient pillar breakdown.
type Report struct {
	PatientID      shared.PatientID `json:"patient_id"`
	At             time.Time        `json:"at"`
	CatalogVersion int              `json:"catalog_version"`
	Pillars        []Score          `json:"pillars"`
}

// Pillar returns one pillar's score.
func (r Report) Pillar(p shared.Pillar) (Score, bool) {
	for _, s := range r.Pillars {
		if s.Pillar == p {
			return s, true
		}
	}
	return Score{}, false
}

// Aggregate computes the report from a snapshot. Each pillar's score is the
// confidence-weighted mean of RED=0, ORANGE=50, GREEN=100 over known blocks.
// UNKNOWN blocks only count toward Total.
func Aggregate(snap microblock.Snapshot, cat *catalog.Catalog) Report {
	report := Report{
		PatientID:      snap.PatientID,
		At:             snap.At,
		CatalogVersion: cat.Version(),
	}

	for _, p := range shared.AllPillars() {
		s := Score{Pillar: p, Name: p.Name()}
		var weighted, weights, plain float64

		for _, id := range cat.BlocksByPillar(p) {
			s.Total++
			st, ok := snap.Get(id)
			if !ok || !st.IsKnown() {
				continue
			}
			s.Known++
			switch st.Light {
			case shared.LightRed:
				s.Red++
			case shared.LightOrange:
				s.Orange++
			case shared.LightGreen:
				s.Green++
			}
			if st.IsReviewDue(snap.At) {
				s.ReviewsDue = append(s.ReviewsDue, id)
			}
			pts := st.Light.Points()
			weighted += st.Confidence * pts
			weights += st.Confidence
			plain += pts
		}

		if s.Total > 0 {
			s.Coverage = float64(s.Known) / float64(s.Total)
		}
		if s.Known > 0 {
			s.HasScore = true
			if weights > 0 {
				s.Score = weighted / weights
			} else {
				// Every known block decayed to zero confidence.
				s.Score = plain / float64(s.Known)
			}
		}
		report.Pillars = append(report.Pillars, s)
	}
	return report
}

// Aggregator reads the live store.
type Aggregator struct {
	store    *microblock.Store
	catalogs microblock.CatalogProvider
}

// NewAggregator creates an Aggregator.
func NewAggregator(store *microblock.Store, catalogs microblock.CatalogProvider) *Aggregator {
	return &Aggregator{store: store, catalogs: catalogs}
}

// Aggregate builds the patient's report at now.
func (a *Aggregator) Aggregate(ctx context.Context, patientID shared.PatientID, now time.Time) (Report, error) {
	snap, err := a.store.Snapshot(ctx, patientID, now)
	if err != nil {
		return Report{}, err
	}
	return Aggregate(snap, a.catalogs.Active()), nil
}
