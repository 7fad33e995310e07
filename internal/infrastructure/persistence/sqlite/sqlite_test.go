package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoverlution/luma/internal/domain/baseline"
	"github.com/recoverlution/luma/internal/domain/decision"
	"github.com/recoverlution/luma/internal/domain/microblock"
	"github.com/recoverlution/luma/internal/domain/patient"
	"github.com/recoverlution/luma/internal/domain/pattern"
	"github.com/recoverlution/luma/internal/domain/shared"
)

var t0 = time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "luma.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func enrol(t *testing.T, db *DB) *patient.Patient {
	t.Helper()
	p, err := patient.NewPatient(patient.NewPatientParams{Timezone: "Europe/London", EnrolledAt: t0})
	require.NoError(t, err)
	require.NoError(t, NewPatientRepository(db).Create(context.Background(), p))
	return p
}

func TestOpen_IsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "luma.db")
	db, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(context.Background(), path)
	require.NoError(t, err)
	defer db.Close()
	assert.NoError(t, db.Ping(context.Background()))
}

func TestPatientRepository(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewPatientRepository(db)
	p := enrol(t, db)

	assert.ErrorIs(t, repo.Create(ctx, p), shared.ErrPatientAlreadyExists)

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(p, got))

	ids, err := repo.ListTracked(ctx)
	require.NoError(t, err)
	assert.Equal(t, []shared.PatientID{p.ID}, ids)

	discharged := t0.Add(48 * time.Hour)
	p.Status = patient.StatusDischarged
	p.DischargedAt = &discharged
	p.UpdatedAt = discharged
	require.NoError(t, repo.Update(ctx, p))

	got, err = repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, patient.StatusDischarged, got.Status)
	require.NotNil(t, got.DischargedAt)
	assert.True(t, got.DischargedAt.Equal(discharged))

	ids, err = repo.ListTracked(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = repo.GetByID(ctx, shared.PatientID(uuid.NewString()))
	assert.ErrorIs(t, err, shared.ErrPatientNotFound)
}

func TestSignalRepository(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewSignalRepository(db)
	p := enrol(t, db)

	_, err := repo.LatestCheckin(ctx, p.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	arousal := 0.9
	for i, at := range []time.Time{t0, t0.Add(2 * time.Hour), t0.Add(time.Hour)} {
		require.NoError(t, repo.SaveCheckin(ctx, patient.Checkin{
			ID:          uuid.NewString(),
			PatientID:   p.ID,
			At:          at,
			Dimensions:  map[shared.MicroBlockID]float64{"ER-BR-001": float64(i) / 2},
			ContextTags: []shared.ContextTag{"work"},
			Arousal:     &arousal,
		}))
	}
	latest, err := repo.LatestCheckin(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, latest.At.Equal(t0.Add(2*time.Hour)))
	assert.Equal(t, 0.5, latest.Dimensions["ER-BR-001"])
	assert.True(t, latest.IsHighDistress(0.8))

	require.NoError(t, repo.SaveCrisisFlag(ctx, patient.CrisisFlag{ID: uuid.NewString(), PatientID: p.ID, At: t0, Source: "clinician"}))
	require.NoError(t, repo.SaveCrisisFlag(ctx, patient.CrisisFlag{ID: uuid.NewString(), PatientID: p.ID, At: t0.Add(-96 * time.Hour), Source: "sms"}))
	flags, err := repo.CrisisFlagsSince(ctx, p.ID, t0.Add(-72*time.Hour))
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, "clinician", flags[0].Source)
}

func TestEventRepository_ReplayOrderAndAppendOnly(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewEventRepository(db)
	p := enrol(t, db)

	block := shared.MicroBlockID("ER-BR-001")
	var ids []string
	for _, offset := range []time.Duration{2 * time.Hour, 0, time.Hour} {
		e, err := microblock.NewEvent(microblock.EventInput{
			PatientID:    p.ID,
			MicroBlockID: block,
			Signal:       microblock.Signal{Score: microblock.Float(0.8)},
			Source:       shared.SourceBaseline,
			OccurredAt:   t0.Add(offset),
		}, 0.5)
		require.NoError(t, err)
		require.NoError(t, repo.Append(ctx, e))
		ids = append(ids, e.ID)

		assert.ErrorIs(t, repo.Append(ctx, e), shared.ErrAlreadyExists)
	}

	events, err := repo.ListForBlock(ctx, p.ID, block)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []string{ids[1], ids[2], ids[0]}, []string{events[0].ID, events[1].ID, events[2].ID})
	assert.Equal(t, shared.LightGreen, events[0].Light)

	since, err := repo.ListForPatient(ctx, p.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, since, 2)

	last, err := repo.LastEventAt(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, last.Equal(t0.Add(2*time.Hour)))

	_, err = db.db.ExecContext(ctx, `DELETE FROM assessment_events`)
	assert.Error(t, err)
}

func TestStateRepository(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewStateRepository(db)
	p := enrol(t, db)

	_, err := repo.Get(ctx, p.ID, "ER-BR-001")
	assert.ErrorIs(t, err, shared.ErrNotFound)

	st := microblock.State{
		PatientID:    p.ID,
		MicroBlockID: "ER-BR-001",
		Light:        shared.LightOrange,
		Confidence:   0.6,
		SampleCount:  2,
		LastAssessed: t0,
		Override:     &microblock.Override{Light: shared.LightRed, ClinicianID: "dr-1", SetAt: t0},
	}
	require.NoError(t, repo.Save(ctx, st))
	st.SampleCount = 3
	require.NoError(t, repo.Save(ctx, st))

	got, err := repo.Get(ctx, p.ID, "ER-BR-001")
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(st, got))

	all, err := repo.ListForPatient(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestBaselineAndPatternRepositories(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	p := enrol(t, db)

	baselines := NewBaselineRepository(db)
	_, err := baselines.Get(ctx, p.ID)
	assert.ErrorIs(t, err, shared.ErrBaselineNotFound)

	b := baseline.New(p.ID, t0)
	b.Status = baseline.StatusActive
	require.NoError(t, baselines.Save(ctx, b))
	active, err := baselines.ListByStatus(ctx, baseline.StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, p.ID, active[0].PatientID)

	patterns := NewPatternRepository(db)
	trig := pattern.ContextTrigger("work")
	pat := pattern.Pattern{
		ID:          pattern.PatternID(p.ID, trig, "ER-BR-001"),
		PatientID:   p.ID,
		Trigger:     trig,
		MicroBlocks: []shared.MicroBlockID{"ER-BR-001"},
		Confidence:  0.75,
		Status:      pattern.StatusActive,
	}
	require.NoError(t, patterns.Save(ctx, pat))
	pat.Confidence = 0.8
	require.NoError(t, patterns.Save(ctx, pat))

	list, err := patterns.ListForPatient(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 0.8, list[0].Confidence)

	require.NoError(t, patterns.Delete(ctx, p.ID, pat.ID))
	list, err = patterns.ListForPatient(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDecisionRepository(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewDecisionRepository(db)
	p := enrol(t, db)

	mk := func(at time.Time, action decision.Action) decision.Decision {
		d := decision.Decision{
			ID:            uuid.NewString(),
			PatientID:     p.ID,
			CreatedAt:     at,
			Trigger:       decision.TriggerCheckin,
			Action:        action,
			Tier:          decision.TierNone,
			Reasoning:     []decision.Factor{{Kind: decision.FactorTier, Ref: string(decision.TierNone)}},
			PolicyVersion: "luma-policy-1",
			ExpiresAt:     at.Add(6 * time.Hour),
		}
		require.NoError(t, repo.Save(ctx, d))
		return d
	}

	first := mk(t0, decision.ActionNone)
	esc := mk(t0.Add(time.Hour), decision.ActionEscalate)
	last := mk(t0.Add(2*time.Hour), decision.ActionNone)

	assert.ErrorIs(t, repo.Save(ctx, first), shared.ErrAlreadyExists)

	got, err := repo.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, decision.ActionEscalate, got.Action)

	_, err = repo.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, shared.ErrDecisionNotFound)

	recent, err := repo.Recent(ctx, p.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, last.ID, recent[0].ID)
	assert.Equal(t, esc.ID, recent[1].ID)

	since, err := repo.ListSince(ctx, p.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, since, 2)

	escs, err := repo.EscalationsAfter(ctx, 0, t0, 10)
	require.NoError(t, err)
	require.Len(t, escs, 1)
	assert.Equal(t, esc.ID, escs[0].ID)
	cursor := escs[0].Seq
	assert.Positive(t, cursor)

	escs, err = repo.EscalationsAfter(ctx, cursor, time.Time{}, 10)
	require.NoError(t, err)
	assert.Empty(t, escs)

	// Written after the cursor moved, stamped before the first escalation.
	late := mk(t0.Add(30*time.Minute), decision.ActionEscalate)
	escs, err = repo.EscalationsAfter(ctx, cursor, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, escs, 1)
	assert.Equal(t, late.ID, escs[0].ID)
	assert.Greater(t, escs[0].Seq, cursor)

	_, err = db.db.ExecContext(ctx, `UPDATE decisions SET action = 'NO_ACTION'`)
	assert.Error(t, err)
}
