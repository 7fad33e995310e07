package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/recoverlution/luma/internal/domain/shared"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testPatient = shared.PatientID("6f1c2a4e-8d3b-4c1a-9e2f-0a1b2c3d4e5f")

func crisisEvent() shared.Event {
	return shared.NewCrisisFlaggedEvent(testPatient, "clinician", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
}

func TestInMemoryEventBus_SyncDelivery(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{EnableMetrics: true})
	defer bus.Close()

	var typed, all int
	require.NoError(t, bus.Subscribe(shared.EventCrisisFlagged, func(ctx context.Context, e shared.Event) error {
		typed++
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(ctx context.Context, e shared.Event) error {
		all++
		return nil
	}))

	require.NoError(t, bus.Publish(context.Background(), crisisEvent()))
	require.NoError(t, bus.Publish(context.Background(), shared.NewPatientLifecycleEvent(shared.EventPatientEnrolled, testPatient, "onboarding", time.Now())))

	assert.Equal(t, 1, typed)
	assert.Equal(t, 2, all)

	snap := bus.Metrics().Snapshot()
	assert.EqualValues(t, 2, snap.TotalPublished)
	assert.EqualValues(t, 3, snap.TotalHandlerExecs)
	assert.Equal(t, 1.0, snap.HandlerSuccessRate)
}

func TestInMemoryEventBus_SyncJoinsErrorsAndRecoversPanics(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{EnableMetrics: true})
	defer bus.Close()

	boom := errors.New("boom")
	require.NoError(t, bus.Subscribe(shared.EventCrisisFlagged, func(ctx context.Context, e shared.Event) error { return boom }))
	require.NoError(t, bus.Subscribe(shared.EventCrisisFlagged, func(ctx context.Context, e shared.Event) error { panic("handler bug") }))

	err := bus.Publish(context.Background(), crisisEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.EqualValues(t, 2, bus.Metrics().Snapshot().HandlerFailures)
}

func TestInMemoryEventBus_AsyncOutlivesPublisherContext(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 2})

	var calls atomic.Int32
	var ctxErrs atomic.Int32
	require.NoError(t, bus.SubscribeAll(func(ctx context.Context, e shared.Event) error {
		if ctx.Err() != nil {
			ctxErrs.Add(1)
		}
		calls.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 20; i++ {
		require.NoError(t, bus.Publish(ctx, crisisEvent()))
	}
	cancel()

	require.NoError(t, bus.Close())
	assert.EqualValues(t, 20, calls.Load())
	assert.Zero(t, ctxErrs.Load())
}

func TestInMemoryEventBus_CloseDrainsQueuedHandlers(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 1})

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int32
	require.NoError(t, bus.SubscribeAll(func(ctx context.Context, e shared.Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		calls.Add(1)
		return nil
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), crisisEvent()))
	}
	<-started

	closed := make(chan error, 1)
	go func() { closed <- bus.Close() }()

	noop := func(context.Context, shared.Event) error { return nil }
	require.Eventually(t, func() bool {
		return errors.Is(bus.SubscribeAll(noop), ErrEventBusClosed)
	}, time.Second, time.Millisecond)

	select {
	case <-closed:
		t.Fatal("Close returned while handlers were still queued")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-closed)
	assert.EqualValues(t, 5, calls.Load())
}

func TestInMemoryEventBus_Closed(t *testing.T) {
	bus := NewInMemoryEventBus(DefaultInMemoryEventBusConfig())
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(context.Background(), crisisEvent()), ErrEventBusClosed)
	assert.ErrorIs(t, bus.SubscribeAll(func(context.Context, shared.Event) error { return nil }), ErrEventBusClosed)
	assert.Error(t, bus.Publish(context.Background(), nil))
}

// ──────────────────────────────────────────────────────────────────────────────
// Redis fan-out
// ──────────────────────────────────────────────────────────────────────────────

// fakeRedis is a single-process Pub/Sub broker.
type fakeRedis struct {
	mu   sync.Mutex
	subs map[string][]chan RedisMessage
	fail bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{subs: make(map[string][]chan RedisMessage)}
}

func (f *fakeRedis) Publish(ctx context.Context, channel, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection refused")
	}
	for _, ch := range f.subs[channel] {
		ch <- RedisMessage{Channel: channel, Payload: message}
	}
	return nil
}

func (f *fakeRedis) Subscribe(ctx context.Context, channel string) (<-chan RedisMessage, func() error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan RedisMessage, 16)
	f.subs[channel] = append(f.subs[channel], ch)
	var once sync.Once
	return ch, func() error {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, c := range f.subs[channel] {
				if c == ch {
					f.subs[channel] = append(f.subs[channel][:i], f.subs[channel][i+1:]...)
					break
				}
			}
			close(ch)
		})
		return nil
	}, nil
}

func TestRedisEventBus_FansOutToOtherInstances(t *testing.T) {
	broker := newFakeRedis()
	local := InMemoryEventBusConfig{AsyncMode: false}

	a, err := NewRedisEventBus(RedisEventBusConfig{Client: broker, InstanceID: "a", LocalBusConfig: local})
	require.NoError(t, err)
	b, err := NewRedisEventBus(RedisEventBusConfig{Client: broker, InstanceID: "b", LocalBusConfig: local})
	require.NoError(t, err)

	var aCount atomic.Int32
	received := make(chan shared.Event, 1)
	require.NoError(t, a.Subscribe(shared.EventCrisisFlagged, func(ctx context.Context, e shared.Event) error {
		aCount.Add(1)
		return nil
	}))
	require.NoError(t, b.Subscribe(shared.EventCrisisFlagged, func(ctx context.Context, e shared.Event) error {
		received <- e
		return nil
	}))

	require.NoError(t, a.Publish(context.Background(), crisisEvent()))

	select {
	case e := <-received:
		assert.Equal(t, testPatient.String(), e.AggregateID())
		assert.Equal(t, "clinician", e.Payload()["flag_source"])
	case <-time.After(2 * time.Second):
		t.Fatal("remote instance did not receive the event")
	}

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	assert.EqualValues(t, 1, aCount.Load(), "publisher must not redeliver its own message")
}

func TestRedisEventBus_LocalDeliveryWhenRedisFails(t *testing.T) {
	broker := newFakeRedis()
	bus, err := NewRedisEventBus(RedisEventBusConfig{Client: broker, LocalBusConfig: InMemoryEventBusConfig{}})
	require.NoError(t, err)
	defer bus.Close()

	broker.mu.Lock()
	broker.fail = true
	broker.mu.Unlock()

	var n int
	require.NoError(t, bus.SubscribeAll(func(context.Context, shared.Event) error { n++; return nil }))
	require.NoError(t, bus.Publish(context.Background(), crisisEvent()))
	assert.Equal(t, 1, n)
}

func TestNewRedisEventBus_RequiresClient(t *testing.T) {
	_, err := NewRedisEventBus(RedisEventBusConfig{})
	assert.Error(t, err)
}
