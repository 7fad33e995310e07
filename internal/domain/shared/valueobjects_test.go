package shared

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLightFromScore(t *testing.T) {
	tests := []struct {
		score float64
		want  Light
	}{
		{0, LightRed},
		{0.3299999, LightRed},
		{0.33, LightOrange},
		{0.5, LightOrange},
		{0.6599999, LightOrange},
		{0.66, LightGreen},
		{1, LightGreen},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LightFromScore(tt.score), "score %v", tt.score)
	}
}

func TestLightFromScore_FloatDriftStaysCautious(t *testing.T) {
	// 0.1+0.2+... style drift just under the cut must not become GREEN.
	assert.Equal(t, LightOrange, LightFromScore(0.66-1e-12))
}

func TestNewMicroBlockID(t *testing.T) {
	id, err := NewMicroBlockID(" er-dt-001 ")
	require.NoError(t, err)
	assert.Equal(t, MicroBlockID("ER-DT-001"), id)
	assert.Equal(t, PillarEmotionalRegulation, id.Pillar())

	_, err = NewMicroBlockID("XX-DT-001")
	assert.True(t, IsValidation(err))

	_, err = NewMicroBlockID("ER001")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestNewPatientID(t *testing.T) {
	_, err := NewPatientID("not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidID)

	id, err := NewPatientID("6F1C2B1E-7C1A-4B0C-9D4E-2A7F7E3C9B10")
	require.NoError(t, err)
	assert.Equal(t, "6f1c2b1e-7c1a-4b0c-9d4e-2a7f7e3c9b10", id.String())
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" Work", "work", "", "FAMILY"})
	assert.Equal(t, []ContextTag{"work", "family"}, got)
}

func TestLightPoints(t *testing.T) {
	assert.Equal(t, 0.0, LightRed.Points())
	assert.Equal(t, 50.0, LightOrange.Points())
	assert.Equal(t, 100.0, LightGreen.Points())
	assert.Equal(t, -1, LightUnknown.Rank())
}

func TestDomainError_Is(t *testing.T) {
	err := WrapError("microblock", "Apply", ErrOutOfOrder, "late", ErrTimeout)
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsOutOfOrder(ErrOutOfOrderEvent))
	assert.True(t, IsValidation(ErrUnknownMicroBlock))
	assert.Contains(t, err.Error(), "microblock.Apply: late")
}
