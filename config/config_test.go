package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, "0 3 * * *", cfg.Scheduler.DailySweepCron)
	assert.Equal(t, "luma:escalations", cfg.Redis.EscalationChannel)
	assert.Equal(t, 0.5, cfg.Engine.MicroBlock.K)
	assert.True(t, cfg.Engine.Decision.SpacedReview)
}

func TestLoad_DatabaseURLSelectsPostgres(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("DATABASE_URL", "postgres://luma:secret@db:5432/luma")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("HTTP_PORT", "0")
	t.Setenv("HTTP_API_KEY_HASHES", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_DRIVER=memory")
	assert.Contains(t, err.Error(), "HTTP_PORT")
	assert.Contains(t, err.Error(), "HTTP_API_KEY_HASHES")
}

func TestLoad_SpacedReviewFlagDisablesEngineReview(t *testing.T) {
	t.Setenv("FEATURE_ENGINE_SPACED_REVIEW", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.Engine.Decision.SpacedReview)
}

func TestParseEngineConfig_Overlay(t *testing.T) {
	cfg, err := ParseEngineConfig([]byte(`
microblock:
  k: 0.7
  review_intervals: [24h, 72h]
decision:
  rest_max_decisions: 4
  content_ttl: 12h
`))
	require.NoError(t, err)

	assert.Equal(t, 0.7, cfg.MicroBlock.K)
	assert.Equal(t, []time.Duration{24 * time.Hour, 72 * time.Hour}, cfg.MicroBlock.ReviewIntervals)
	assert.Equal(t, 4, cfg.Decision.RestMaxDecisions)
	assert.Equal(t, 12*time.Hour, cfg.Decision.ContentTTL)
	assert.Equal(t, 72*time.Hour, cfg.Decision.EscalationTTL, "untouched keys keep defaults")
	assert.Equal(t, 60, cfg.Baseline.MinMicroBlocks)
}

func TestParseEngineConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "decision:\n  rest_max: 4\n"},
		{"baseline range", "baseline:\n  min_microblocks: 10\n"},
		{"ratio order", "pattern:\n  retain_ratio: 0.9\n"},
		{"bucket width", "pattern:\n  hour_bucket_width: 5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEngineConfig([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}

	cfg, err := ParseEngineConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultEngineConfig(), cfg)
}

func TestFeatureFlags(t *testing.T) {
	ff := NewFeatureFlags()

	assert.True(t, ff.IsEnabled(FeatureMCPTools, nil))
	assert.False(t, ff.IsEnabled(FeatureNotifyPatterns, nil))
	assert.False(t, ff.IsEnabled("missing", nil))
	assert.True(t, ff.IsEnabled(FeatureNotifyPatterns, &FeatureContext{IsAdmin: true}))

	require.NoError(t, ff.SetRolloutPercent(FeatureSpacedReview, 50))
	ctx := &FeatureContext{PatientID: "2b0c8a55-9d8e-4c1a-8f0e-000000000001"}
	first := ff.IsEnabled(FeatureSpacedReview, ctx)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, ff.IsEnabled(FeatureSpacedReview, ctx), "bucket is stable")
	}

	ff.SetPatientOverride(ctx.PatientID, FeatureSpacedReview, !first)
	assert.Equal(t, !first, ff.IsEnabled(FeatureSpacedReview, ctx))
	ff.ClearPatientOverrides(ctx.PatientID)
	assert.Equal(t, first, ff.IsEnabled(FeatureSpacedReview, ctx))

	assert.ErrorIs(t, ff.SetRolloutPercent(FeatureSpacedReview, 101), ErrInvalidRolloutPercent)
	assert.ErrorIs(t, ff.EnableFeature("missing"), ErrFeatureNotFound)
	assert.Len(t, ff.List(), 5)
}

func TestFeatureFlags_Environment(t *testing.T) {
	t.Setenv("FEATURE_NOTIFY_PATTERNS", "true")
	t.Setenv("FEATURE_SURFACE_MCP_TOOLS", "0")

	ff := LoadFeatureFlags()
	assert.True(t, ff.IsEnabled(FeatureNotifyPatterns, nil))
	assert.False(t, ff.IsEnabled(FeatureMCPTools, nil))
}

func TestDevelopment_IsValid(t *testing.T) {
	cfg := Development()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.Redis.Enabled())
}
