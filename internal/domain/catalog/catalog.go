// Package catalog holds the versioned definitions of micro-blocks and the
// content items that target them. A Catalog value is immutable once built;
// the Registry keeps every published version resolvable.
package catalog

import (
	"fmt"
	"sort"
	"time"

	"github.com/recoverlution/luma/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENUMS
// ══════════════════════════════════════════════════════════════════════════════

// ContentClass says when an item may be used.
type ContentClass string

const (
	// ClassProactive builds capacity ahead of predicted difficulty.
	ClassProactive ContentClass = "PROACTIVE"
	// ClassReactive is in-the-moment support.
	ClassReactive ContentClass = "REACTIVE"
	// ClassInformational is used for assessment probes.
	ClassInformational ContentClass = "INFORMATIONAL"
)

// IsValid checks the class.
func (c ContentClass) IsValid() bool {
	return c == ClassProactive || c == ClassReactive || c == ClassInformational
}

// Difficulty orders content by demand on the patient.
type Difficulty string

const (
	DifficultyBeginner     Difficulty = "beginner"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyAdvanced     Difficulty = "advanced"
)

// Level returns 1..3, or 0 for an unknown difficulty.
func (d Difficulty) Level() int {
	switch d {
	case DifficultyBeginner:
		return 1
	case DifficultyIntermediate:
		return 2
	case DifficultyAdvanced:
		return 3
	}
	return 0
}

// Modality is the delivery form of a content item.
type Modality string

const (
	ModalityText        Modality = "text"
	ModalityAudio       Modality = "audio"
	ModalityInteractive Modality = "interactive"
	ModalityReflection  Modality = "reflection"
	ModalitySocial      Modality = "social"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENTITIES
// ══════════════════════════════════════════════════════════════════════════════

// MicroBlockDefinition is one trackable recovery capacity.
type MicroBlockDefinition struct {
	ID          shared.MicroBlockID `json:"id" yaml:"id"`
	Version     int                 `json:"version" yaml:"version"`
	Pillar      shared.Pillar       `json:"pillar" yaml:"pillar"`
	Family      string              `json:"family" yaml:"family"`
	Name        string              `json:"name" yaml:"name"`
	Description string              `json:"description,omitempty" yaml:"description,omitempty"`
}

// ContentItem is a deliverable intervention.
type ContentItem struct {
	ID                 shared.ContentID      `json:"id" yaml:"id"`
	Title              string                `json:"title" yaml:"title"`
	Modality           Modality              `json:"modality" yaml:"modality"`
	Difficulty         Difficulty            `json:"difficulty" yaml:"difficulty"`
	Class              ContentClass          `json:"class" yaml:"class"`
	Targets            []shared.MicroBlockID `json:"targets" yaml:"targets"`
	PopulationPriority float64               `json:"population_priority" yaml:"population_priority"`
	Minutes            int                   `json:"minutes,omitempty" yaml:"minutes,omitempty"`
}

// TargetsBlock reports whether the item addresses block.
func (c ContentItem) TargetsBlock(block shared.MicroBlockID) bool {
	for _, t := range c.Targets {
		if t == block {
			return true
		}
	}
	return false
}

// ══════════════════════════════════════════════════════════════════════════════
// CATALOG SNAPSHOT
// ══════════════════════════════════════════════════════════════════════════════

// Catalog is an immutable versioned snapshot.
type Catalog struct {
	version     int
	publishedAt time.Time
	blocks      map[shared.MicroBlockID]MicroBlockDefinition
	blockOrder  []shared.MicroBlockID
	content     map[shared.ContentID]ContentItem
	contentIDs  []shared.ContentID
	byBlock     map[shared.MicroBlockID][]shared.ContentID
}

// New builds and validates a Catalog snapshot.
func New(version int, publishedAt time.Time, blocks []MicroBlockDefinition, items []ContentItem) (*Catalog, error) {
	if version <= 0 {
		return nil, shared.ValidationError("catalog", "New", "version must be positive")
	}

	c := &Catalog{
		version:     version,
		publishedAt: publishedAt,
		blocks:      make(map[shared.MicroBlockID]MicroBlockDefinition, len(blocks)),
		content:     make(map[shared.ContentID]ContentItem, len(items)),
		byBlock:     make(map[shared.MicroBlockID][]shared.ContentID),
	}

	for _, b := range blocks {
		if !b.ID.IsValid() {
			return nil, shared.WrapError("catalog", "New", shared.ErrInvalidID, "bad micro-block id", fmt.Errorf("%q", b.ID))
		}
		if b.Pillar != b.ID.Pillar() {
			return nil, shared.ValidationError("catalog", "New", fmt.Sprintf("micro-block %s pillar mismatch", b.ID))
		}
		if _, dup := c.blocks[b.ID]; dup {
			return nil, shared.NewDomainError("catalog", "New", shared.ErrAlreadyExists, fmt.Sprintf("duplicate micro-block %s", b.ID))
		}
		if b.Version == 0 {
			b.Version = version
		}
		c.blocks[b.ID] = b
		c.blockOrder = append(c.blockOrder, b.ID)
	}
	sort.Slice(c.blockOrder, func(i, j int) bool { return c.blockOrder[i] < c.blockOrder[j] })

	for _, it := range items {
		if it.ID == "" {
			return nil, shared.ValidationError("catalog", "New", "content item without id")
		}
		if !it.Class.IsValid() {
			return nil, shared.ValidationError("catalog", "New", fmt.Sprintf("content %s has invalid class %q", it.ID, it.Class))
		}
		if len(it.Targets) == 0 {
			return nil, shared.ValidationError("catalog", "New", fmt.Sprintf("content %s targets nothing", it.ID))
		}
		if _, dup := c.content[it.ID]; dup {
			return nil, shared.NewDomainError("catalog", "New", shared.ErrAlreadyExists, fmt.Sprintf("duplicate content %s", it.ID))
		}
		for _, t := range it.Targets {
			if _, ok := c.blocks[t]; !ok {
				return nil, shared.WrapError("catalog", "New", shared.ErrUnknownMicroBlockID, fmt.Sprintf("content %s targets unknown block", it.ID), fmt.Errorf("%s", t))
			}
			c.byBlock[t] = append(c.byBlock[t], it.ID)
		}
		it.PopulationPriority = shared.Clamp01(it.PopulationPriority)
		c.content[it.ID] = it
		c.contentIDs = append(c.contentIDs, it.ID)
	}
	sort.Slice(c.contentIDs, func(i, j int) bool { return c.contentIDs[i] < c.contentIDs[j] })
	for b := range c.byBlock {
		ids := c.byBlock[b]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}

	return c, nil
}

// Version returns the catalog version.
func (c *Catalog) Version() int { return c.version }

// PublishedAt returns when the version was published.
func (c *Catalog) PublishedAt() time.Time { return c.publishedAt }

// Block resolves a micro-block definition.
func (c *Catalog) Block(id shared.MicroBlockID) (MicroBlockDefinition, bool) {
	b, ok := c.blocks[id]
	return b, ok
}

// RequireBlock resolves a micro-block or returns ErrUnknownMicroBlock.
func (c *Catalog) RequireBlock(id shared.MicroBlockID) (MicroBlockDefinition, error) {
	b, ok := c.blocks[id]
	if !ok {
		return MicroBlockDefinition{}, shared.WrapError("catalog", "RequireBlock", shared.ErrUnknownMicroBlockID,
			"micro-block not in active catalog", fmt.Errorf("%s@v%d", id, c.version))
	}
	return b, nil
}

// BlockIDs returns every micro-block id in sorted order.
func (c *Catalog) BlockIDs() []shared.MicroBlockID {
	out := make([]shared.MicroBlockID, len(c.blockOrder))
	copy(out, c.blockOrder)
	return out
}

// BlocksByPillar returns sorted ids for one pillar.
func (c *Catalog) BlocksByPillar(p shared.Pillar) []shared.MicroBlockID {
	var out []shared.MicroBlockID
	for _, id := range c.blockOrder {
		if id.Pillar() == p {
			out = append(out, id)
		}
	}
	return out
}

// Size returns the number of micro-blocks.
func (c *Catalog) Size() int { return len(c.blocks) }

// Content resolves a content item.
func (c *Catalog) Content(id shared.ContentID) (ContentItem, bool) {
	it, ok := c.content[id]
	return it, ok
}

// ContentItems returns all content in id order.
func (c *Catalog) ContentItems() []ContentItem {
	out := make([]ContentItem, 0, len(c.contentIDs))
	for _, id := range c.contentIDs {
		out = append(out, c.content[id])
	}
	return out
}

// ContentFor returns items of class targeting block, ordered by population
// priority (desc), then difficulty (asc), then id.
func (c *Catalog) ContentFor(block shared.MicroBlockID, class ContentClass) []ContentItem {
	var out []ContentItem
	for _, id := range c.byBlock[block] {
		it := c.content[id]
		if class != "" && it.Class != class {
			continue
		}
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PopulationPriority != out[j].PopulationPriority {
			return out[i].PopulationPriority > out[j].PopulationPriority
		}
		if out[i].Difficulty.Level() != out[j].Difficulty.Level() {
			return out[i].Difficulty.Level() < out[j].Difficulty.Level()
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// EasiestFor returns the lowest-difficulty item targeting block, preferring
// INFORMATIONAL probes. Used by the baseline protocol.
func (c *Catalog) EasiestFor(block shared.MicroBlockID) (ContentItem, bool) {
	var best ContentItem
	found := false
	for _, id := range c.byBlock[block] {
		it := c.content[id]
		if !found || probeLess(it, best) {
			best = it
			found = true
		}
	}
	return best, found
}

func probeLess(a, b ContentItem) bool {
	ai := a.Class == ClassInformational
	bi := b.Class == ClassInformational
	if ai != bi {
		return ai
	}
	if a.Difficulty.Level() != b.Difficulty.Level() {
		return a.Difficulty.Level() < b.Difficulty.Level()
	}
	return a.ID < b.ID
}
