package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/recoverlution/luma/internal/domain/shared"
)

// Registry keeps every published catalog version. Old versions stay
// resolvable so historic events can always be interpreted.
type Registry struct {
	mu       sync.RWMutex
	versions map[int]*Catalog
	active   int
}

// NewRegistry creates a registry with an initial active catalog.
func NewRegistry(initial *Catalog) *Registry {
	r := &Registry{versions: make(map[int]*Catalog)}
	if initial != nil {
		r.versions[initial.Version()] = initial
		r.active = initial.Version()
	}
	return r
}

// Publish adds a new version and makes it active. Versions must increase.
func (r *Registry) Publish(c *Catalog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.Version() < r.active {
		return shared.WrapError("catalog", "Publish", shared.ErrStateTransition,
			"catalog versions must increase", fmt.Errorf("active v%d, got v%d", r.active, c.Version()))
	}
	if _, exists := r.versions[c.Version()]; exists {
		return shared.ErrCatalogVersionDuplicate
	}
	r.versions[c.Version()] = c
	r.active = c.Version()
	return nil
}

// Active returns the currently active catalog.
func (r *Registry) Active() *Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.versions[r.active]
}

// Version returns a specific catalog version.
func (r *Registry) Version(v int) (*Catalog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.versions[v]
	if !ok {
		return nil, shared.ErrCatalogVersionNotFound
	}
	return c, nil
}

// Resolve looks up a micro-block definition by (id, version).
func (r *Registry) Resolve(id shared.MicroBlockID, version int) (MicroBlockDefinition, error) {
	c, err := r.Version(version)
	if err != nil {
		return MicroBlockDefinition{}, err
	}
	return c.RequireBlock(id)
}

// Versions lists published versions in ascending order.
func (r *Registry) Versions() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, 0, len(r.versions))
	for v := range r.versions {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Source loads catalog versions from durable storage.
type Source interface {
	LoadCatalogs(ctx context.Context) ([]*Catalog, error)
}
