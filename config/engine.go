package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/recoverlution/luma/internal/domain/baseline"
	"github.com/recoverlution/luma/internal/domain/decision"
	"github.com/recoverlution/luma/internal/domain/microblock"
	"github.com/recoverlution/luma/internal/domain/pattern"
)

// EngineConfig gathers every clinical threshold. Defaults come from the domain
// packages; a YAML file may override any subset of them.
type EngineConfig struct {
	MicroBlock microblock.Params `yaml:"microblock"`
	Baseline   baseline.Config   `yaml:"baseline"`
	Pattern    pattern.Config    `yaml:"pattern"`
	Decision   decision.Config   `yaml:"decision"`

	// DistressWindow bounds how old a check-in may be and still drive Stability.
	DistressWindow time.Duration `yaml:"distress_window"`

	// MaxClockSkew tolerated on client-supplied timestamps.
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`
}

// DefaultEngineConfig returns the production thresholds.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MicroBlock:     microblock.DefaultParams(),
		Baseline:       baseline.DefaultConfig(),
		Pattern:        pattern.DefaultConfig(),
		Decision:       decision.DefaultConfig(),
		DistressWindow: 24 * time.Hour,
		MaxClockSkew:   5 * time.Minute,
	}
}

// LoadEngineConfig returns the defaults overlaid with the YAML file at path.
// An empty path returns the defaults.
func LoadEngineConfig(path string) (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseEngineConfig(data)
}

// ParseEngineConfig overlays YAML onto the defaults. Unknown keys are rejected
// so a misspelt threshold does not silently keep its default.
func ParseEngineConfig(data []byte) (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse engine config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the thresholds.
func (c EngineConfig) Validate() error {
	var errs []error

	m := c.MicroBlock
	if m.K <= 0 {
		errs = append(errs, errors.New("microblock.k must be positive"))
	}
	if m.HalfLife <= 0 || m.StalenessHalfLife <= 0 {
		errs = append(errs, errors.New("microblock half-lives must be positive"))
	}
	if m.StalenessHorizon <= m.HalfLife {
		errs = append(errs, errors.New("microblock.staleness_horizon must exceed half_life"))
	}
	if m.OverrideContradictions < 1 {
		errs = append(errs, errors.New("microblock.override_contradictions must be at least 1"))
	}
	for i := 1; i < len(m.ReviewIntervals); i++ {
		if m.ReviewIntervals[i] < m.ReviewIntervals[i-1] {
			errs = append(errs, errors.New("microblock.review_intervals must be ascending"))
			break
		}
	}

	if err := c.Baseline.Validate(); err != nil {
		errs = append(errs, err)
	}

	p := c.Pattern
	if p.MinEvents < 1 || p.Window <= 0 {
		errs = append(errs, errors.New("pattern.min_events and pattern.window must be positive"))
	}
	if p.RetainRatio <= 0 || p.RetainRatio > p.CreateRatio || p.CreateRatio > 1 {
		errs = append(errs, errors.New("pattern ratios must satisfy 0 < retain_ratio <= create_ratio <= 1"))
	}
	if p.HourBucketWidth < 1 || 24%p.HourBucketWidth != 0 {
		errs = append(errs, errors.New("pattern.hour_bucket_width must divide 24"))
	}

	d := c.Decision
	if d.SafetyConfidence <= 0 || d.SafetyConfidence > 1 {
		errs = append(errs, errors.New("decision.safety_confidence must be within (0,1]"))
	}
	if d.RestMaxDecisions < 1 || d.RestWindow <= 0 {
		errs = append(errs, errors.New("decision rest limits must be positive"))
	}
	if d.ContentTTL <= 0 || d.EscalationTTL <= 0 || d.NoActionTTL <= 0 {
		errs = append(errs, errors.New("decision TTLs must be positive"))
	}
	if d.PolicyVersion == "" {
		errs = append(errs, errors.New("decision.policy_version is required"))
	}

	if c.DistressWindow <= 0 || c.MaxClockSkew < 0 {
		errs = append(errs, errors.New("distress_window must be positive and max_clock_skew non-negative"))
	}
	return errors.Join(errs...)
}
