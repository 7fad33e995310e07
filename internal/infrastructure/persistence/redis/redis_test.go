package redis

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoverlution/luma/internal/domain/decision"
	"github.com/recoverlution/luma/internal/domain/notification"
	"github.com/recoverlution/luma/internal/domain/shared"
)

const patientA = shared.PatientID("6f1c2a4e-8d3b-4c1a-9e2f-0a1b2c3d4e5f")

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func activeDecision(now time.Time, ttl time.Duration) decision.Decision {
	return decision.Decision{
		ID:            "dec-1",
		PatientID:     patientA,
		CreatedAt:     now,
		Trigger:       decision.TriggerCheckin,
		Action:        decision.ActionContent,
		ContentID:     "ER-BR-001-breath",
		Tier:          decision.TierProgress,
		Reasoning:     []decision.Factor{{Kind: decision.FactorTier, Ref: string(decision.TierProgress)}, {Kind: decision.FactorMicroBlock, Ref: "ER-BR-001"}},
		PolicyVersion: "luma-policy-1",
		ExpiresAt:     now.Add(ttl),
	}
}

func TestCache_GetSet(t *testing.T) {
	_, client := setupTestRedis(t)
	c := NewCache(client)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", map[string]int{"a": 1}, time.Minute))
	var got map[string]int
	require.NoError(t, c.Get(ctx, "k", &got))
	assert.Equal(t, 1, got["a"])

	assert.ErrorIs(t, c.Get(ctx, "missing", &got), ErrCacheMiss)
	assert.ErrorIs(t, c.Set(ctx, "", 1, 0), ErrCacheKeyEmpty)
	assert.ErrorIs(t, c.Set(ctx, "k", 1, -time.Second), ErrCacheInvalidTTL)

	require.NoError(t, c.Delete(ctx, "k"))
	assert.ErrorIs(t, c.Get(ctx, "k", &got), ErrCacheMiss)
}

func TestDecisionCache_RoundTripAndExpiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := now
	dc := NewDecisionCache(NewCache(client), func() time.Time { return clock })
	ctx := context.Background()

	_, err := dc.GetActive(ctx, patientA)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	d := activeDecision(now, 24*time.Hour)
	require.NoError(t, dc.SetActive(ctx, d))
	assert.Equal(t, 24*time.Hour, mr.TTL(ActiveDecisionKey(patientA.String())))

	got, err := dc.GetActive(ctx, patientA)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, d.ContentID, got.ContentID)

	// The entry may outlive the decision by clock drift; expired entries are misses.
	clock = now.Add(25 * time.Hour)
	_, err = dc.GetActive(ctx, patientA)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	require.NoError(t, dc.Invalidate(ctx, patientA))
	assert.False(t, mr.Exists(ActiveDecisionKey(patientA.String())))
}

func TestDecisionCache_ExpiredDecisionIsNotCached(t *testing.T) {
	mr, client := setupTestRedis(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	dc := NewDecisionCache(NewCache(client), func() time.Time { return now })

	require.NoError(t, dc.SetActive(context.Background(), activeDecision(now.Add(-48*time.Hour), 24*time.Hour)))
	assert.False(t, mr.Exists(ActiveDecisionKey(patientA.String())))
}

func TestPatientLock_SerializesHolders(t *testing.T) {
	_, client := setupTestRedis(t)
	lock := NewPatientLock(client, PatientLockConfig{TTL: 5 * time.Second, PollInterval: time.Millisecond}, nil)
	ctx := context.Background()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := lock.Lock(ctx, "patient:"+patientA.String())
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			release()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside.Load())
}

func TestPatientLock_TimesOutAndDoesNotStealAfterExpiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	lock := NewPatientLock(client, PatientLockConfig{TTL: time.Second, PollInterval: time.Millisecond}, nil)

	release, err := lock.Lock(context.Background(), "p")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = lock.Lock(ctx, "p")
	assert.ErrorIs(t, err, shared.ErrLockNotAcquired)

	// Lease expires and another holder takes it; the stale release must not drop it.
	mr.FastForward(2 * time.Second)
	release2, err := lock.Lock(context.Background(), "p")
	require.NoError(t, err)
	release()
	assert.True(t, mr.Exists(LockKey("p")))
	release2()
	assert.False(t, mr.Exists(LockKey("p")))
}

func TestEscalationFeed_Publishes(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, ChannelEscalations)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	feed := NewEscalationFeed(NewCache(client), "", nil)
	n := notification.New(notification.TypeEscalation, patientA, time.Now())
	n.DecisionID = "dec-9"
	require.NoError(t, feed.BroadcastEscalation(ctx, n))

	select {
	case msg := <-sub.Channel():
		var got notification.Notification
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "dec-9", got.DecisionID)
		assert.Equal(t, notification.PriorityUrgent, got.Priority)
	case <-time.After(2 * time.Second):
		t.Fatal("no escalation received")
	}
}

func TestDecisionCounter_CountsByTierAndAction(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	counter := NewDecisionCounter(client, func() time.Time { return now })

	events := []shared.Event{
		shared.NewDecisionEmittedEvent(patientA, "d1", "CONTENT", "c1", "progress", "ER-BR-001", nil, now),
		shared.NewDecisionEmittedEvent(patientA, "d2", "CONTENT", "c2", "stability", "ER-BR-001", nil, now),
		shared.NewDecisionEmittedEvent(patientA, "d3", "ESCALATE", "", "safety", "ER-DT-001", nil, now),
	}
	for _, e := range events {
		require.NoError(t, counter.Handle(ctx, e))
	}

	got, err := counter.Today(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{
		"total":           3,
		"tier:progress":   1,
		"tier:stability":  1,
		"tier:safety":     1,
		"action:CONTENT":  2,
		"action:ESCALATE": 1,
	}, got)

	mr.FastForward(TTLDecisionCounter + time.Minute)
	got, err = counter.Today(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}
