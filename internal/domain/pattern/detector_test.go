package pattern

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoverlution/luma/internal/domain/microblock"
	"github.com/recoverlution/luma/internal/domain/shared"
)

const testPatient = shared.PatientID("0d7f4a52-3c0e-4c4b-8d3f-6a1e9b2c7d40")

// 2025-03-03 is a Monday.
var monday = time.Date(2025, 3, 3, 8, 20, 0, 0, time.UTC)

func ev(t *testing.T, block shared.MicroBlockID, score float64, at time.Time, tags ...string) microblock.Event {
	t.Helper()
	e, err := microblock.NewEvent(microblock.EventInput{
		PatientID:    testPatient,
		MicroBlockID: block,
		Signal:       microblock.Signal{Score: microblock.Float(score)},
		Source:       shared.SourceOngoing,
		ContextTags:  shared.NormalizeTags(tags),
		OccurredAt:   at,
	}, 0.5)
	require.NoError(t, err)
	return e
}

func weekly(t *testing.T, scores ...float64) []microblock.Event {
	var out []microblock.Event
	for i, s := range scores {
		out = append(out, ev(t, "ER-DT-001", s, monday.AddDate(0, 0, 7*i)))
	}
	return out
}

func TestAnalyze_MondayMorningPattern(t *testing.T) {
	// Five Monday 8-9am check-ins over three weeks: four trend RED, one does not.
	events := []microblock.Event{
		ev(t, "ER-DT-001", 0.10, monday),
		ev(t, "ER-DT-001", 0.20, monday.Add(10*time.Minute)),
		ev(t, "ER-DT-001", 0.80, monday.AddDate(0, 0, 7)),
		ev(t, "ER-DT-001", 0.15, monday.AddDate(0, 0, 7).Add(20*time.Minute)),
		ev(t, "ER-DT-001", 0.40, monday.AddDate(0, 0, 14)),
	}
	now := monday.AddDate(0, 0, 15)

	res := Analyze(testPatient, events, nil, time.UTC, now, DefaultConfig())
	require.Len(t, res.Patterns, 1)

	p := res.Patterns[0]
	assert.Equal(t, "Monday 8-9am", p.Trigger.String())
	assert.Equal(t, []shared.MicroBlockID{"ER-DT-001"}, p.MicroBlocks)
	assert.GreaterOrEqual(t, p.Confidence, 0.67)
	assert.Equal(t, 4, p.Corroborating)
	assert.Equal(t, 5, p.Total)
	assert.True(t, p.IsActive())
	assert.Equal(t, monday, p.FirstObserved)
	assert.Len(t, res.Detected, 1)
}

func TestAnalyze_ExactTwoThirdsCreates(t *testing.T) {
	res := Analyze(testPatient, weekly(t, 0.1, 0.9, 0.2), nil, time.UTC, monday.AddDate(0, 0, 20), DefaultConfig())
	require.Len(t, res.Patterns, 1)
	assert.InDelta(t, 2.0/3.0, res.Patterns[0].Confidence, 1e-12)
}

func TestAnalyze_BelowMinimumEvents(t *testing.T) {
	res := Analyze(testPatient, weekly(t, 0.1, 0.1), nil, time.UTC, monday.AddDate(0, 0, 10), DefaultConfig())
	assert.Empty(t, res.Patterns)
}

func TestAnalyze_SparseDataNeverFails(t *testing.T) {
	res := Analyze(testPatient, nil, nil, time.UTC, monday, DefaultConfig())
	assert.Empty(t, res.Patterns)
	assert.Empty(t, res.Saved)
}

func TestAnalyze_Idempotent(t *testing.T) {
	events := weekly(t, 0.1, 0.2, 0.3, 0.9, 0.1)
	now := monday.AddDate(0, 0, 40)

	first := Analyze(testPatient, events, nil, time.UTC, now, DefaultConfig())
	second := Analyze(testPatient, events, first.Patterns, time.UTC, now, DefaultConfig())

	if diff := cmp.Diff(first.Patterns, second.Patterns); diff != "" {
		t.Fatalf("second pass changed patterns (-first +second):\n%s", diff)
	}
	assert.Empty(t, second.Saved)
	assert.Empty(t, second.Detected)
}

func TestAnalyze_InvalidatedAfterTwoCounterObservations(t *testing.T) {
	cfg := DefaultConfig()
	events := weekly(t, 0.1, 0.1, 0.1)
	now := monday.AddDate(0, 0, 60)
	res := Analyze(testPatient, events, nil, time.UTC, now, cfg)
	require.Len(t, res.Patterns, 1)

	events = append(events, ev(t, "ER-DT-001", 0.9, monday.AddDate(0, 0, 21)))
	res = Analyze(testPatient, events, res.Patterns, time.UTC, now, cfg)
	require.Len(t, res.Patterns, 1)
	assert.True(t, res.Patterns[0].IsActive(), "one counter-observation keeps it")

	events = append(events, ev(t, "ER-DT-001", 0.95, monday.AddDate(0, 0, 28)))
	res = Analyze(testPatient, events, res.Patterns, time.UTC, now, cfg)
	require.Len(t, res.Patterns, 1, "invalidated patterns are kept")
	assert.Equal(t, StatusInvalidated, res.Patterns[0].Status)
	assert.Len(t, res.Invalidated, 1)
}

func TestAnalyze_DiscardedBelowRetainRatio(t *testing.T) {
	cfg := DefaultConfig()
	events := weekly(t, 0.1, 0.1, 0.1)
	now := monday.AddDate(0, 0, 89)
	res := Analyze(testPatient, events, nil, time.UTC, now, cfg)
	require.Len(t, res.Patterns, 1)

	// Ends on ORANGE so no counter streak forms; 6 of 13 corroborate.
	for i, s := range []float64{0.9, 0.9, 0.5, 0.9, 0.9, 0.5, 0.9, 0.9, 0.9, 0.5} {
		events = append(events, ev(t, "ER-DT-001", s, monday.AddDate(0, 0, 21+7*i)))
	}
	res = Analyze(testPatient, events, res.Patterns, time.UTC, now, cfg)
	assert.Empty(t, res.Patterns)
	assert.Len(t, res.Deleted, 1)
}

func TestAnalyze_ContextTagGroup(t *testing.T) {
	events := []microblock.Event{
		ev(t, "SR-AR-002", 0.2, monday, "Pre-Appointment"),
		ev(t, "SR-AR-002", 0.3, monday.AddDate(0, 0, 3).Add(5*time.Hour), "pre-appointment"),
		ev(t, "SR-AR-002", 0.1, monday.AddDate(0, 0, 9).Add(2*time.Hour), "pre-appointment", "work"),
	}
	res := Analyze(testPatient, events, nil, time.UTC, monday.AddDate(0, 0, 10), DefaultConfig())
	require.Len(t, res.Patterns, 1)
	p := res.Patterns[0]
	assert.Equal(t, TriggerContext, p.Trigger.Kind)
	assert.Equal(t, shared.ContextTag("pre-appointment"), p.Trigger.ContextTag)
	assert.True(t, p.Trigger.Imminent(monday, time.UTC, 2*time.Hour, []shared.ContextTag{"pre-appointment"}))
	assert.False(t, p.Trigger.Imminent(monday, time.UTC, 2*time.Hour, []shared.ContextTag{"work"}))
}

func TestAnalyze_UsesPatientTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	// 13:20 UTC is 08:20 in New York during EST (before the March switch).
	at := time.Date(2025, 2, 3, 13, 20, 0, 0, time.UTC)
	var events []microblock.Event
	for i := 0; i < 3; i++ {
		events = append(events, ev(t, "DM-IM-003", 0.1, at.AddDate(0, 0, 7*i)))
	}
	res := Analyze(testPatient, events, nil, loc, at.AddDate(0, 0, 20), DefaultConfig())
	require.Len(t, res.Patterns, 1)
	assert.Equal(t, "Monday 8-9am", res.Patterns[0].Trigger.String())
}

func TestTrigger_Imminent(t *testing.T) {
	tr := TimeTrigger(time.Monday, 8, 9)
	assert.True(t, tr.Imminent(monday.Add(-2*time.Hour), time.UTC, 2*time.Hour, nil))
	assert.True(t, tr.Imminent(monday, time.UTC, 2*time.Hour, nil), "open window")
	assert.False(t, tr.Imminent(monday.Add(-3*time.Hour), time.UTC, 2*time.Hour, nil))
	assert.False(t, tr.Imminent(monday.Add(2*time.Hour), time.UTC, 2*time.Hour, nil), "window closed")
}

func TestTrigger_String(t *testing.T) {
	assert.Equal(t, "Tuesday 11am-12pm", TimeTrigger(time.Tuesday, 11, 12).String())
	assert.Equal(t, "Sunday 12-1am", TimeTrigger(time.Sunday, 0, 1).String())
	assert.Equal(t, "context work", ContextTrigger("work").String())
}

func TestPatternID_Stable(t *testing.T) {
	a := PatternID(testPatient, TimeTrigger(time.Monday, 8, 9), "ER-DT-001")
	b := PatternID(testPatient, TimeTrigger(time.Monday, 8, 9), "ER-DT-001")
	c := PatternID(testPatient, TimeTrigger(time.Monday, 9, 10), "ER-DT-001")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
