package query

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoverlution/luma/internal/domain/decision"
	"github.com/recoverlution/luma/internal/domain/shared"
	"github.com/recoverlution/luma/internal/infrastructure/persistence/memory"
)

func saveEscalation(t *testing.T, repo decision.Repository, at time.Time) decision.Decision {
	t.Helper()
	d := decision.Decision{
		ID:                uuid.NewString(),
		PatientID:         shared.PatientID(uuid.NewString()),
		CreatedAt:         at,
		Trigger:           decision.TriggerCrisisFlag,
		Action:            decision.ActionEscalate,
		Tier:              decision.TierSafety,
		PrimaryMicroBlock: "ER-DT-001",
		Reasoning:         []decision.Factor{{Kind: decision.FactorTier, Ref: string(decision.TierSafety)}},
		PolicyVersion:     "luma-policy-1",
		ExpiresAt:         at.Add(72 * time.Hour),
	}
	require.NoError(t, repo.Save(context.Background(), d))
	return d
}

func TestGetEscalations_LateWriteReachesNextPoll(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewDecisionRepository()
	h := NewGetEscalationsHandler(repo)
	t0 := time.Now().UTC().Add(-time.Hour)

	b := saveEscalation(t, repo, t0.Add(2*time.Second))
	page, err := h.Handle(ctx, GetEscalationsQuery{})
	require.NoError(t, err)
	require.Len(t, page.Escalations, 1)
	assert.Equal(t, b.ID, page.Escalations[0].ID)

	// Stamped before b but written after the first poll.
	a := saveEscalation(t, repo, t0.Add(time.Second))
	page, err = h.Handle(ctx, GetEscalationsQuery{After: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Escalations, 1)
	assert.Equal(t, a.ID, page.Escalations[0].ID)

	page, err = h.Handle(ctx, GetEscalationsQuery{After: page.NextCursor})
	require.NoError(t, err)
	assert.Empty(t, page.Escalations)
}

func TestGetEscalations_SinceAndLimit(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewDecisionRepository()
	h := NewGetEscalationsHandler(repo)
	t0 := time.Now().UTC().Add(-48 * time.Hour)

	saveEscalation(t, repo, t0)
	recent := []decision.Decision{
		saveEscalation(t, repo, t0.Add(30*time.Hour)),
		saveEscalation(t, repo, t0.Add(31*time.Hour)),
		saveEscalation(t, repo, t0.Add(32*time.Hour)),
	}

	page, err := h.Handle(ctx, GetEscalationsQuery{Since: t0.Add(24 * time.Hour), Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Escalations, 2)
	assert.Equal(t, recent[0].ID, page.Escalations[0].ID)
	assert.Equal(t, recent[1].ID, page.Escalations[1].ID)

	page, err = h.Handle(ctx, GetEscalationsQuery{After: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Escalations, 1)
	assert.Equal(t, recent[2].ID, page.Escalations[0].ID)
}

func TestGetEscalations_RejectsNegativeCursor(t *testing.T) {
	h := NewGetEscalationsHandler(memory.NewDecisionRepository())
	_, err := h.Handle(context.Background(), GetEscalationsQuery{After: -1})
	assert.True(t, shared.IsValidation(err))
}
