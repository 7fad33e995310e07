package catalog

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/recoverlution/luma/internal/domain/shared"
)

//go:embed defaults.yaml
var defaultCatalogYAML []byte

// fileSpec is the on-disk catalog format. Families expand into numbered
// micro-blocks; generated items give every block a probe and a practice.
type fileSpec struct {
	Version     int           `yaml:"version"`
	PublishedAt time.Time     `yaml:"published_at"`
	Generate    generateSpec  `yaml:"generate"`
	Pillars     []pillarSpec  `yaml:"pillars"`
	Content     []ContentItem `yaml:"content"`
}

type generateSpec struct {
	Probes    bool `yaml:"probes"`
	Practices bool `yaml:"practices"`
	Reactive  bool `yaml:"reactive"`
}

type pillarSpec struct {
	Code     shared.Pillar `yaml:"code"`
	Families []familySpec  `yaml:"families"`
}

type familySpec struct {
	Code     string   `yaml:"code"`
	Name     string   `yaml:"name"`
	Blocks   []string `yaml:"blocks"`
	Reactive string   `yaml:"reactive"`
}

// Default returns the embedded catalog shipped with the engine.
func Default() (*Catalog, error) {
	return Parse(defaultCatalogYAML)
}

// LoadFile reads a catalog YAML file.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses a catalog from r.
func Read(r io.Reader) (*Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a Catalog from YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, shared.WrapError("catalog", "Parse", shared.ErrInvalidInput, "malformed catalog yaml", err)
	}

	var blocks []MicroBlockDefinition
	var items []ContentItem

	for _, p := range spec.Pillars {
		if !p.Code.IsValid() {
			return nil, shared.WrapError("catalog", "Parse", shared.ErrInvalidInput, "unknown pillar", fmt.Errorf("%q", p.Code))
		}
		for _, fam := range p.Families {
			var familyBlocks []shared.MicroBlockID
			for i, name := range fam.Blocks {
				id := shared.MicroBlockID(fmt.Sprintf("%s-%s-%03d", p.Code, fam.Code, i+1))
				blocks = append(blocks, MicroBlockDefinition{
					ID:      id,
					Version: spec.Version,
					Pillar:  p.Code,
					Family:  fam.Name,
					Name:    name,
				})
				familyBlocks = append(familyBlocks, id)

				if spec.Generate.Probes {
					items = append(items, ContentItem{
						ID:                 shared.ContentID("probe-" + string(id)),
						Title:              "Check in: " + name,
						Modality:           ModalityReflection,
						Difficulty:         DifficultyBeginner,
						Class:              ClassInformational,
						Targets:            []shared.MicroBlockID{id},
						PopulationPriority: 0.3,
						Minutes:            2,
					})
				}
				if spec.Generate.Practices {
					items = append(items, ContentItem{
						ID:                 shared.ContentID("practice-" + string(id)),
						Title:              "Practice: " + name,
						Modality:           ModalityInteractive,
						Difficulty:         DifficultyIntermediate,
						Class:              ClassProactive,
						Targets:            []shared.MicroBlockID{id},
						PopulationPriority: 0.5,
						Minutes:            8,
					})
				}
			}
			if spec.Generate.Reactive && fam.Reactive != "" && len(familyBlocks) > 0 {
				items = append(items, ContentItem{
					ID:                 shared.ContentID(fmt.Sprintf("support-%s-%s", p.Code, fam.Code)),
					Title:              fam.Reactive,
					Modality:           ModalityAudio,
					Difficulty:         DifficultyBeginner,
					Class:              ClassReactive,
					Targets:            familyBlocks,
					PopulationPriority: 0.6,
					Minutes:            4,
				})
			}
		}
	}
	items = append(items, spec.Content...)

	publishedAt := spec.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = time.Unix(0, 0).UTC()
	}
	return New(spec.Version, publishedAt, blocks, items)
}
