package pillar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoverlution/luma/internal/domain/catalog"
	"github.com/recoverlution/luma/internal/domain/microblock"
	"github.com/recoverlution/luma/internal/domain/shared"
)

const pid = shared.PatientID("a3c5e7f9-1b2d-4e6f-8a0c-2e4f6a8c0e12")

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fiveBlockCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	var blocks []catalog.MicroBlockDefinition
	for _, id := range []shared.MicroBlockID{"ER-DT-001", "ER-DT-002", "ER-DT-003", "ER-DT-004", "ER-DT-005"} {
		blocks = append(blocks, catalog.MicroBlockDefinition{ID: id, Pillar: shared.PillarEmotionalRegulation, Name: string(id)})
	}
	c, err := catalog.New(1, now, blocks, nil)
	require.NoError(t, err)
	return c
}

func known(id shared.MicroBlockID, l shared.Light, conf float64) microblock.State {
	return microblock.State{
		PatientID:    pid,
		MicroBlockID: id,
		Light:        l,
		Confidence:   conf,
		SampleCount:  2,
		LastAssessed: now.Add(-time.Hour),
	}
}

func TestAggregate_UnknownExcluded(t *testing.T) {
	cat := fiveBlockCatalog(t)

	greens := []microblock.State{
		known("ER-DT-001", shared.LightGreen, 0.6),
		known("ER-DT-002", shared.LightGreen, 0.8),
		known("ER-DT-003", shared.LightGreen, 0.4),
	}
	withUnknown := append(append([]microblock.State{}, greens...),
		microblock.Unknown(pid, "ER-DT-004"),
		microblock.Unknown(pid, "ER-DT-005"),
	)

	onlyGreen := Aggregate(microblock.Snapshot{PatientID: pid, At: now, States: greens}, cat)
	mixed := Aggregate(microblock.Snapshot{PatientID: pid, At: now, States: withUnknown}, cat)

	a, _ := onlyGreen.Pillar(shared.PillarEmotionalRegulation)
	b, _ := mixed.Pillar(shared.PillarEmotionalRegulation)

	assert.Equal(t, a.Score, b.Score)
	assert.InDelta(t, 100.0, b.Score, 1e-9)
	assert.Equal(t, 3, b.Known)
	assert.Equal(t, 5, b.Total)
	assert.InDelta(t, 3.0/5.0, b.Coverage, 1e-12)
}

func TestAggregate_ConfidenceWeighted(t *testing.T) {
	cat := fiveBlockCatalog(t)
	snap := microblock.Snapshot{PatientID: pid, At: now, States: []microblock.State{
		known("ER-DT-001", shared.LightRed, 0.9),
		known("ER-DT-002", shared.LightGreen, 0.3),
	}}
	s, ok := Aggregate(snap, cat).Pillar(shared.PillarEmotionalRegulation)
	require.True(t, ok)
	assert.InDelta(t, (0.9*0+0.3*100)/1.2, s.Score, 1e-9)
	assert.Equal(t, 1, s.Red)
	assert.Equal(t, 1, s.Green)
}

func TestAggregate_UnassessedPillarHasNoScore(t *testing.T) {
	cat := fiveBlockCatalog(t)
	report := Aggregate(microblock.Snapshot{PatientID: pid, At: now}, cat)

	require.Len(t, report.Pillars, 6)
	for _, s := range report.Pillars {
		assert.False(t, s.HasScore, s.Pillar)
		assert.Zero(t, s.Coverage)
	}
	sr, _ := report.Pillar(shared.PillarStressResilience)
	assert.Zero(t, sr.Total)
}

func TestAggregate_ZeroConfidenceFallsBackToPlainMean(t *testing.T) {
	cat := fiveBlockCatalog(t)
	snap := microblock.Snapshot{PatientID: pid, At: now, States: []microblock.State{
		known("ER-DT-001", shared.LightOrange, 0),
		known("ER-DT-002", shared.LightGreen, 0),
	}}
	s, _ := Aggregate(snap, cat).Pillar(shared.PillarEmotionalRegulation)
	assert.True(t, s.HasScore)
	assert.Equal(t, 75.0, s.Score)
}

func TestAggregate_ListsDueReviews(t *testing.T) {
	cat := fiveBlockCatalog(t)
	due := now.Add(-time.Minute)
	st := known("ER-DT-001", shared.LightGreen, 0.7)
	st.ReviewDue = &due
	s, _ := Aggregate(microblock.Snapshot{PatientID: pid, At: now, States: []microblock.State{st}}, cat).
		Pillar(shared.PillarEmotionalRegulation)
	assert.Equal(t, []shared.MicroBlockID{"ER-DT-001"}, s.ReviewsDue)
}
