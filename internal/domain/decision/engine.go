package decision

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/recoverlution/luma/internal/domain/catalog"
	"github.com/recoverlution/luma/internal/domain/microblock"
	"github.com/recoverlution/luma/internal/domain/pattern"
	"github.com/recoverlution/luma/internal/domain/shared"
)

// Config holds the engine thresholds.
type Config struct {
	SafetyConfidence    float64       `yaml:"safety_confidence"`
	RestMaxDecisions    int           `yaml:"rest_max_decisions"`
	RestWindow          time.Duration `yaml:"rest_window"`
	Lookahead           time.Duration `yaml:"lookahead"`
	ColdStartConfidence float64       `yaml:"cold_start_confidence"`
	DiversityWindow     int           `yaml:"diversity_window"`
	CrisisFlagWindow    time.Duration `yaml:"crisis_flag_window"`
	ArousalThreshold    float64       `yaml:"arousal_threshold"`
	ContentTTL          time.Duration `yaml:"content_ttl"`
	EscalationTTL       time.Duration `yaml:"escalation_ttl"`
	NoActionTTL         time.Duration `yaml:"no_action_ttl"`
	MaxCandidates       int           `yaml:"max_candidates"`
	SpacedReview        bool          `yaml:"spaced_review"`
	PolicyVersion       string        `yaml:"policy_version"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SafetyConfidence:    0.7,
		RestMaxDecisions:    3,
		RestWindow:          24 * time.Hour,
		Lookahead:           2 * time.Hour,
		ColdStartConfidence: 0.4,
		DiversityWindow:     2,
		CrisisFlagWindow:    72 * time.Hour,
		ArousalThreshold:    0.7,
		ContentTTL:          24 * time.Hour,
		EscalationTTL:       72 * time.Hour,
		NoActionTTL:         6 * time.Hour,
		MaxCandidates:       5,
		SpacedReview:        true,
		PolicyVersion:       "luma-policy-1",
	}
}

// Input is everything one decision cycle may look at.
type Input struct {
	PatientID shared.PatientID
	Now       time.Time
	Trigger   Trigger
	Location  *time.Location

	Snapshot microblock.Snapshot
	Catalog  *catalog.Catalog
	Patterns []pattern.Pattern

	// CrisisFlag is set when an external analysis collaborator raised a flag
	// that no later escalation has answered.
	CrisisFlag       bool
	CrisisFlagSource string
	// HighDistress comes from the latest check-in.
	HighDistress   bool
	CurrentContext []shared.ContextTag

	// Recent decisions, newest first, covering at least the rest window.
	Recent            []Decision
	SuggestionsPaused bool
}

// Engine evaluates the tiers. The zero value is not usable; build with NewEngine.
type Engine struct {
	cfg Config
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) Engine {
	return Engine{cfg: cfg}
}

// Config returns the thresholds.
func (e Engine) Config() Config {
	return e.cfg
}

// Decide runs Safety, then the Rest gate, then Stability and Progress, and
// stops at the first tier that applies. It never fails: when nothing applies
// the result is NO_ACTION with an insufficient-data factor.
func (e Engine) Decide(in Input) Decision {
	if d, ok := e.safety(in); ok {
		return d
	}
	if d, ok := e.rest(in); ok {
		return d
	}
	if d, ok := e.stability(in); ok {
		return d
	}
	if d, ok := e.progress(in); ok {
		return d
	}
	return e.insufficient(in, nil)
}

func (e Engine) base(in Input, action Action, tier Tier) Decision {
	ttl := e.cfg.ContentTTL
	switch action {
	case ActionEscalate:
		ttl = e.cfg.EscalationTTL
	case ActionNone:
		ttl = e.cfg.NoActionTTL
	}
	d := Decision{
		ID:            uuid.NewString(),
		PatientID:     in.PatientID,
		CreatedAt:     in.Now,
		Trigger:       in.Trigger,
		Action:        action,
		Tier:          tier,
		Reasoning:     []Factor{{Kind: FactorTier, Ref: string(tier)}},
		PolicyVersion: e.cfg.PolicyVersion,
		ExpiresAt:     in.Now.Add(ttl),
	}
	if prev, ok := ActiveFrom(in.Recent, in.Now); ok {
		d.Supersedes = prev.ID
	}
	return d
}

// ════════════════════════════════════════════════════════════════════════════
// Tier 1: Safety
// ════════════════════════════════════════════════════════════════════════════

func (e Engine) safety(in Input) (Decision, bool) {
	if !in.CrisisFlag {
		return Decision{}, false
	}
	var reds []microblock.State
	for _, st := range in.Snapshot.States {
		if st.Light == shared.LightRed && st.Confidence >= e.cfg.SafetyConfidence {
			reds = append(reds, st)
		}
	}
	if len(reds) == 0 {
		return Decision{}, false
	}
	sort.Slice(reds, func(i, j int) bool {
		if reds[i].Confidence != reds[j].Confidence {
			return reds[i].Confidence > reds[j].Confidence
		}
		return reds[i].MicroBlockID < reds[j].MicroBlockID
	})

	d := e.base(in, ActionEscalate, TierSafety)
	d.PrimaryMicroBlock = reds[0].MicroBlockID
	d.Reasoning = append(d.Reasoning, Factor{Kind: FactorCrisisFlag, Ref: in.CrisisFlagSource, Detail: "crisis indicator raised"})
	for _, st := range reds {
		d.Reasoning = append(d.Reasoning, blockFactor(st))
	}
	return d, true
}

// ════════════════════════════════════════════════════════════════════════════
// Rest gate
// ════════════════════════════════════════════════════════════════════════════

func (e Engine) rest(in Input) (Decision, bool) {
	if in.SuggestionsPaused {
		d := e.base(in, ActionNone, TierRest)
		d.Reasoning = append(d.Reasoning, Factor{Kind: FactorPaused, Detail: "patient paused suggestions"})
		return d, true
	}
	n := DeliveredWithin(in.Recent, in.Now, e.cfg.RestWindow)
	if n < e.cfg.RestMaxDecisions {
		return Decision{}, false
	}
	d := e.base(in, ActionNone, TierRest)
	d.Reasoning = append(d.Reasoning, Factor{
		Kind:   FactorRestLimit,
		Detail: fmt.Sprintf("%d decisions in trailing %s (limit %d)", n, e.cfg.RestWindow, e.cfg.RestMaxDecisions),
	})
	return d, true
}

// DeliveredWithin counts CONTENT and ESCALATE decisions in (now-window, now].
func DeliveredWithin(recent []Decision, now time.Time, window time.Duration) int {
	from := now.Add(-window)
	n := 0
	for _, d := range recent {
		if d.Action == ActionNone || !d.CreatedAt.After(from) || d.CreatedAt.After(now) {
			continue
		}
		n++
	}
	return n
}

// ════════════════════════════════════════════════════════════════════════════
// Tier 2: Stability
// ════════════════════════════════════════════════════════════════════════════

func (e Engine) stability(in Input) (Decision, bool) {
	if !in.HighDistress {
		return Decision{}, false
	}
	for _, light := range []shared.Light{shared.LightRed, shared.LightOrange} {
		targets := make(map[shared.MicroBlockID]microblock.State)
		for _, st := range in.Snapshot.States {
			if st.IsKnown() && st.Light == light {
				targets[st.MicroBlockID] = st
			}
		}
		if len(targets) == 0 {
			continue
		}

		type option struct {
			item    catalog.ContentItem
			covered []shared.MicroBlockID
		}
		var options []option
		for _, it := range in.Catalog.ContentItems() {
			if it.Class != catalog.ClassReactive {
				continue
			}
			var covered []shared.MicroBlockID
			for _, t := range it.Targets {
				if _, ok := targets[t]; ok {
					covered = append(covered, t)
				}
			}
			if len(covered) > 0 {
				sort.Slice(covered, func(i, j int) bool {
					a, b := targets[covered[i]], targets[covered[j]]
					if a.Confidence != b.Confidence {
						return a.Confidence > b.Confidence
					}
					return a.MicroBlockID < b.MicroBlockID
				})
				options = append(options, option{item: it, covered: covered})
			}
		}
		if len(options) == 0 {
			continue
		}
		// Highest priority wins; coverage only breaks ties.
		sort.Slice(options, func(i, j int) bool {
			a, b := options[i], options[j]
			if a.item.PopulationPriority != b.item.PopulationPriority {
				return a.item.PopulationPriority > b.item.PopulationPriority
			}
			if len(a.covered) != len(b.covered) {
				return len(a.covered) > len(b.covered)
			}
			return a.item.ID < b.item.ID
		})

		best := options[0]
		d := e.base(in, ActionContent, TierStability)
		d.ContentID = best.item.ID
		d.PrimaryMicroBlock = best.covered[0]
		d.Reasoning = append(d.Reasoning, Factor{Kind: FactorDistress, Detail: "latest check-in reports high distress"})
		for _, id := range best.covered {
			d.Reasoning = append(d.Reasoning, blockFactor(targets[id]))
		}
		for i, o := range options {
			if i >= e.cfg.MaxCandidates {
				break
			}
			d.Candidates = append(d.Candidates, Candidate{
				ContentID:    o.item.ID,
				MicroBlockID: o.covered[0],
				Score:        o.item.PopulationPriority,
				Rank:         i + 1,
				Why:          fmt.Sprintf("reactive, covers %d %s block(s)", len(o.covered), light),
			})
		}
		return d, true
	}
	return Decision{}, false
}

// ════════════════════════════════════════════════════════════════════════════
// Tier 3: Progress
// ════════════════════════════════════════════════════════════════════════════

type progressOption struct {
	item        catalog.ContentItem
	state       microblock.State
	pattern     *pattern.Pattern
	score       float64
	maintenance bool
}

// PatientWeight is the share of per-patient priority in the Progress score.
// It grows linearly with mean confidence and reaches 1 at the cold-start threshold.
func (e Engine) PatientWeight(meanConfidence float64) float64 {
	if e.cfg.ColdStartConfidence <= 0 {
		return 1
	}
	w := meanConfidence / e.cfg.ColdStartConfidence
	if w > 1 {
		return 1
	}
	return shared.Clamp01(w)
}

func (e Engine) progress(in Input) (Decision, bool) {
	w := e.PatientWeight(in.Snapshot.MeanConfidence())

	var blocks []microblock.State
	for _, st := range in.Snapshot.States {
		if st.IsKnown() && st.Light.NeedsWork() {
			blocks = append(blocks, st)
		}
	}
	maintenance := false
	if len(blocks) == 0 && e.cfg.SpacedReview {
		for _, st := range in.Snapshot.States {
			if st.IsReviewDue(in.Now) {
				blocks = append(blocks, st)
			}
		}
		maintenance = len(blocks) > 0
	}
	if w < 1 {
		for _, st := range in.Snapshot.States {
			if !st.IsKnown() {
				blocks = append(blocks, st)
			}
		}
	}
	if len(blocks) == 0 {
		return Decision{}, false
	}

	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	active := make(map[shared.MicroBlockID]*pattern.Pattern)
	for i := range in.Patterns {
		p := &in.Patterns[i]
		if !p.IsActive() || !p.Trigger.Imminent(in.Now, loc, e.cfg.Lookahead, in.CurrentContext) {
			continue
		}
		for _, b := range p.MicroBlocks {
			if cur, ok := active[b]; !ok || p.Confidence > cur.Confidence || (p.Confidence == cur.Confidence && p.ID < cur.ID) {
				active[b] = p
			}
		}
	}

	recentPrimary := make(map[shared.MicroBlockID]bool)
	for i, d := range in.Recent {
		if i >= e.cfg.DiversityWindow {
			break
		}
		if d.PrimaryMicroBlock != "" {
			recentPrimary[d.PrimaryMicroBlock] = true
		}
	}

	var options []progressOption
	var excluded []shared.MicroBlockID
	for _, st := range blocks {
		p := active[st.MicroBlockID]
		if recentPrimary[st.MicroBlockID] && p == nil {
			excluded = append(excluded, st.MicroBlockID)
			continue
		}
		patientPriority := 0.0
		if st.IsKnown() {
			patientPriority = (1 - st.Light.Signal()) * st.Confidence
			if maintenance {
				patientPriority = st.Confidence
			}
		}
		for _, it := range in.Catalog.ContentFor(st.MicroBlockID, catalog.ClassProactive) {
			options = append(options, progressOption{
				item:        it,
				state:       st,
				pattern:     p,
				score:       w*patientPriority + (1-w)*it.PopulationPriority,
				maintenance: maintenance && st.IsKnown(),
			})
		}
	}
	if len(options) == 0 {
		if len(excluded) > 0 {
			return e.insufficient(in, []Factor{diversityFactor(excluded)}), true
		}
		return Decision{}, false
	}

	sort.SliceStable(options, func(i, j int) bool {
		a, b := options[i], options[j]
		if (a.pattern != nil) != (b.pattern != nil) {
			return a.pattern != nil
		}
		if a.score != b.score {
			return a.score > b.score
		}
		if a.state.IsKnown() != b.state.IsKnown() {
			return a.state.IsKnown()
		}
		if a.item.PopulationPriority != b.item.PopulationPriority {
			return a.item.PopulationPriority > b.item.PopulationPriority
		}
		if a.item.ID != b.item.ID {
			return a.item.ID < b.item.ID
		}
		return a.state.MicroBlockID < b.state.MicroBlockID
	})

	best := options[0]
	d := e.base(in, ActionContent, TierProgress)
	d.ContentID = best.item.ID
	d.PrimaryMicroBlock = best.state.MicroBlockID

	if best.pattern != nil {
		d.PatternID = best.pattern.ID
		d.Reasoning = append(d.Reasoning, Factor{
			Kind:   FactorPattern,
			Ref:    best.pattern.ID,
			Detail: fmt.Sprintf("trigger %q imminent, confidence %.2f", best.pattern.Trigger.String(), best.pattern.Confidence),
		})
	}
	if best.state.IsKnown() {
		d.Reasoning = append(d.Reasoning, blockFactor(best.state))
	} else {
		d.Reasoning = append(d.Reasoning, Factor{
			Kind:   FactorMicroBlock,
			Ref:    string(best.state.MicroBlockID),
			Detail: "UNKNOWN, population default",
		})
	}
	if best.maintenance {
		d.Reasoning = append(d.Reasoning, Factor{Kind: FactorMaintenance, Ref: string(best.state.MicroBlockID), Detail: "GREEN block due for spaced review"})
	}
	if w < 1 {
		d.Reasoning = append(d.Reasoning, Factor{Kind: FactorColdStart, Detail: fmt.Sprintf("patient weight %.2f", w)})
	}
	if len(excluded) > 0 {
		d.Reasoning = append(d.Reasoning, diversityFactor(excluded))
	}

	seen := make(map[shared.ContentID]bool)
	for _, o := range options {
		if len(d.Candidates) >= e.cfg.MaxCandidates {
			break
		}
		if seen[o.item.ID] {
			continue
		}
		seen[o.item.ID] = true
		c := Candidate{
			ContentID:    o.item.ID,
			MicroBlockID: o.state.MicroBlockID,
			Score:        o.score,
			Rank:         len(d.Candidates) + 1,
			Why:          whyProgress(o),
		}
		if o.pattern != nil {
			c.PatternID = o.pattern.ID
		}
		d.Candidates = append(d.Candidates, c)
	}
	return d, true
}

func whyProgress(o progressOption) string {
	switch {
	case o.pattern != nil:
		return "pattern-matched " + o.pattern.Trigger.String()
	case o.maintenance:
		return "spaced review"
	case !o.state.IsKnown():
		return "population default"
	}
	return fmt.Sprintf("%s at confidence %.2f", o.state.Light, o.state.Confidence)
}

// ════════════════════════════════════════════════════════════════════════════
// Fallback
// ════════════════════════════════════════════════════════════════════════════

func (e Engine) insufficient(in Input, extra []Factor) Decision {
	d := e.base(in, ActionNone, TierNone)
	d.Reasoning = append(d.Reasoning, extra...)
	d.Reasoning = append(d.Reasoning, Factor{Kind: FactorInsufficientData, Detail: shared.ErrInsufficientData.Error()})
	return d
}

func blockFactor(st microblock.State) Factor {
	detail := fmt.Sprintf("%s at confidence %.2f", st.Light, st.Confidence)
	if st.IsOverridden() {
		detail += ", clinician override"
	}
	return Factor{Kind: FactorMicroBlock, Ref: string(st.MicroBlockID), Detail: detail}
}

func diversityFactor(excluded []shared.MicroBlockID) Factor {
	sort.Slice(excluded, func(i, j int) bool { return excluded[i] < excluded[j] })
	ref := ""
	if len(excluded) > 0 {
		ref = string(excluded[0])
	}
	return Factor{Kind: FactorDiversity, Ref: ref, Detail: fmt.Sprintf("%d block(s) were primary in recent decisions", len(excluded))}
}
