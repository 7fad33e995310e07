package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/recoverlution/luma/internal/domain/decision"
	"github.com/recoverlution/luma/internal/domain/shared"
)

// DecisionCache keeps each patient's active decision until it expires.
type DecisionCache struct {
	cache *Cache
	clock func() time.Time
}

// NewDecisionCache creates a decision cache.
func NewDecisionCache(cache *Cache, clock func() time.Time) *DecisionCache {
	if clock == nil {
		clock = time.Now
	}
	return &DecisionCache{cache: cache, clock: clock}
}

var _ decision.Cache = (*DecisionCache)(nil)

// GetActive returns the cached decision or shared.ErrNotFound.
func (c *DecisionCache) GetActive(ctx context.Context, patientID shared.PatientID) (decision.Decision, error) {
	var d decision.Decision
	err := c.cache.Get(ctx, ActiveDecisionKey(patientID.String()), &d)
	if errors.Is(err, ErrCacheMiss) {
		return decision.Decision{}, shared.ErrNotFound
	}
	if err != nil {
		return decision.Decision{}, fmt.Errorf("get active decision: %w", err)
	}
	if !d.IsActive(c.clock()) {
		return decision.Decision{}, shared.ErrNotFound
	}
	return d, nil
}

// SetActive caches d until its expiry. Expired decisions are not cached.
func (c *DecisionCache) SetActive(ctx context.Context, d decision.Decision) error {
	ttl := d.ExpiresAt.Sub(c.clock())
	if ttl <= 0 {
		return c.Invalidate(ctx, d.PatientID)
	}
	if ttl > TTLActiveDecisionMax {
		ttl = TTLActiveDecisionMax
	}
	if err := c.cache.Set(ctx, ActiveDecisionKey(d.PatientID.String()), d, ttl); err != nil {
		return fmt.Errorf("set active decision: %w", err)
	}
	return nil
}

// Invalidate drops the patient's entry.
func (c *DecisionCache) Invalidate(ctx context.Context, patientID shared.PatientID) error {
	return c.cache.Delete(ctx, ActiveDecisionKey(patientID.String()))
}
