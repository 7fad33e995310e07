package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/recoverlution/luma/internal/domain/shared"
)

// PrefixDecisionCounter namespaces the per-day decision counters.
const PrefixDecisionCounter = "luma:metrics:decisions:"

// TTLDecisionCounter keeps yesterday's bucket readable.
const TTLDecisionCounter = 48 * time.Hour

// DecisionCounter counts emitted decisions per UTC day, broken down by tier
// and action. Every replica increments the same hash, so the counts are
// fleet-wide.
type DecisionCounter struct {
	client *redis.Client
	clock  func() time.Time
}

// NewDecisionCounter creates a counter.
func NewDecisionCounter(client *redis.Client, clock func() time.Time) *DecisionCounter {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &DecisionCounter{client: client, clock: clock}
}

// DecisionCounterKey returns the hash key for day.
func DecisionCounterKey(day time.Time) string {
	return PrefixDecisionCounter + day.UTC().Format("20060102")
}

// Register subscribes the counter to decision events.
func (c *DecisionCounter) Register(sub shared.EventSubscriber) error {
	for _, t := range []shared.EventType{shared.EventDecisionEmitted, shared.EventEscalationRaised} {
		if err := sub.Subscribe(t, c.Handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", t, err)
		}
	}
	return nil
}

// Handle implements shared.EventHandler.
func (c *DecisionCounter) Handle(ctx context.Context, event shared.Event) error {
	payload := event.Payload()
	tier, _ := payload["tier"].(string)
	action, _ := payload["action"].(string)

	key := DecisionCounterKey(event.OccurredAt())
	pipe := c.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "total", 1)
	if tier != "" {
		pipe.HIncrBy(ctx, key, "tier:"+tier, 1)
	}
	if action != "" {
		pipe.HIncrBy(ctx, key, "action:"+action, 1)
	}
	pipe.Expire(ctx, key, TTLDecisionCounter)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("count decision: %w", err)
	}
	return nil
}

// Today returns today's counters, keyed "total", "tier:<tier>" and
// "action:<action>".
func (c *DecisionCounter) Today(ctx context.Context) (map[string]int64, error) {
	raw, err := c.client.HGetAll(ctx, DecisionCounterKey(c.clock())).Result()
	if err != nil {
		return nil, fmt.Errorf("read decision counters: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for field, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[field] = n
	}
	return out, nil
}
