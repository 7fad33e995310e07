package config

import (
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// FeatureFlags gates optional surfaces of the engine. Flags are global or
// rolled out to a stable percentage of patients.
type FeatureFlags struct {
	mu sync.RWMutex

	features map[string]*Feature

	// patient -> feature -> enabled
	patientOverrides map[string]map[string]bool
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`

	// Rollout percentage (0-100). Patients are bucketed by a hash of their id.
	RolloutPercent int `json:"rollout_percent"`
}

// FeatureContext provides context for feature flag evaluation.
type FeatureContext struct {
	PatientID string
	IsAdmin   bool
}

// Predefined feature flag names.
const (
	// Read-only MCP tools for clinician assistants
	FeatureMCPTools = "surface.mcp_tools"

	// Publish escalations on the Redis pub/sub channel
	FeatureRedisEscalationChannel = "notify.redis_escalation_channel"

	// Forward CONTENT and NO_ACTION decisions, not only escalations
	FeatureNotifyContentDecisions = "notify.content_decisions"

	// Forward newly detected patterns
	FeatureNotifyPatterns = "notify.patterns"

	// Schedule spaced re-exposure of GREEN blocks
	FeatureSpacedReview = "engine.spaced_review"
)

// LoadFeatureFlags loads feature flags from environment variables.
func LoadFeatureFlags() *FeatureFlags {
	ff := NewFeatureFlags()
	ff.loadFromEnvironment()
	return ff
}

// NewFeatureFlags returns the defaults without reading the environment.
func NewFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{
		features:         make(map[string]*Feature),
		patientOverrides: make(map[string]map[string]bool),
	}
	ff.initializeDefaults()
	return ff
}

func (ff *FeatureFlags) initializeDefaults() {
	defaults := []Feature{
		{Name: FeatureMCPTools, Description: "Expose read-only MCP tools", Enabled: true, RolloutPercent: 100},
		{Name: FeatureRedisEscalationChannel, Description: "Broadcast escalations on Redis pub/sub", Enabled: true, RolloutPercent: 100},
		{Name: FeatureNotifyContentDecisions, Description: "Forward non-escalation decisions to the care team", Enabled: true, RolloutPercent: 100},
		{Name: FeatureNotifyPatterns, Description: "Forward detected patterns to the care team"},
		{Name: FeatureSpacedReview, Description: "Spaced review of GREEN blocks", Enabled: true, RolloutPercent: 100},
	}
	for i := range defaults {
		f := defaults[i]
		ff.features[f.Name] = &f
	}
}

// loadFromEnvironment loads overrides from env vars.
// Format: FEATURE_<NAME>=true|false|<percent>
// Example: FEATURE_NOTIFY_PATTERNS=true
// Example: FEATURE_ENGINE_SPACED_REVIEW=50 (50% rollout)
func (ff *FeatureFlags) loadFromEnvironment() {
	for name, feature := range ff.features {
		val := os.Getenv(featureNameToEnvKey(name))
		if val == "" {
			continue
		}
		if b, err := strconv.ParseBool(val); err == nil {
			feature.Enabled = b
			feature.RolloutPercent = 0
			if b {
				feature.RolloutPercent = 100
			}
			continue
		}
		if p, err := strconv.Atoi(val); err == nil && p >= 0 && p <= 100 {
			feature.Enabled = p > 0
			feature.RolloutPercent = p
		}
	}
}

// featureNameToEnvKey converts a feature name to its environment key.
// "notify.patterns" -> "FEATURE_NOTIFY_PATTERNS"
func featureNameToEnvKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.ReplaceAll(key, ".", "_")
	return "FEATURE_" + key
}

// IsEnabled checks if a feature is enabled for the given context. A nil
// context asks about the feature globally: partial rollouts count as on.
func (ff *FeatureFlags) IsEnabled(featureName string, ctx *FeatureContext) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	if ctx != nil && ctx.PatientID != "" {
		if overrides, ok := ff.patientOverrides[ctx.PatientID]; ok {
			if enabled, ok := overrides[featureName]; ok {
				return enabled
			}
		}
	}

	feature, ok := ff.features[featureName]
	if !ok {
		return false
	}
	if ctx != nil && ctx.IsAdmin {
		return true
	}
	if !feature.Enabled {
		return false
	}
	if feature.RolloutPercent < 100 && ctx != nil && ctx.PatientID != "" {
		return isInRollout(ctx.PatientID, featureName, feature.RolloutPercent)
	}
	return feature.RolloutPercent > 0
}

// isInRollout keeps a patient in the same bucket across restarts.
func isInRollout(patientID, featureName string, percent int) bool {
	h := fnv.New32a()
	h.Write([]byte(featureName))
	h.Write([]byte(patientID))
	return int(h.Sum32()%100) < percent
}

// SetPatientOverride pins a feature for one patient.
func (ff *FeatureFlags) SetPatientOverride(patientID, featureName string, enabled bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	if _, ok := ff.patientOverrides[patientID]; !ok {
		ff.patientOverrides[patientID] = make(map[string]bool)
	}
	ff.patientOverrides[patientID][featureName] = enabled
}

// ClearPatientOverrides removes all overrides for a patient.
func (ff *FeatureFlags) ClearPatientOverrides(patientID string) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	delete(ff.patientOverrides, patientID)
}

// SetRolloutPercent updates the rollout percentage for a feature.
func (ff *FeatureFlags) SetRolloutPercent(featureName string, percent int) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	feature, ok := ff.features[featureName]
	if !ok {
		return ErrFeatureNotFound
	}
	if percent < 0 || percent > 100 {
		return ErrInvalidRolloutPercent
	}
	feature.RolloutPercent = percent
	feature.Enabled = percent > 0
	return nil
}

// EnableFeature enables a feature at 100% rollout.
func (ff *FeatureFlags) EnableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 100)
}

// DisableFeature disables a feature completely.
func (ff *FeatureFlags) DisableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 0)
}

// List returns copies of all features ordered by name.
func (ff *FeatureFlags) List() []Feature {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	out := make([]Feature, 0, len(ff.features))
	for _, f := range ff.features {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// --- Errors ---

var (
	ErrFeatureNotFound       = &FeatureFlagError{Message: "feature not found"}
	ErrInvalidRolloutPercent = &FeatureFlagError{Message: "rollout percent must be 0-100"}
)

// FeatureFlagError represents a feature flag error.
type FeatureFlagError struct {
	Message string
}

func (e *FeatureFlagError) Error() string {
	return e.Message
}
