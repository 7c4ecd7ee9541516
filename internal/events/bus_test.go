package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversInOrder(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	var got []string
	bus.Subscribe(AnomalyDetected, func(_ context.Context, e *Event) error {
		got = append(got, e.Data["n"].(string))
		return nil
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(ctx, NewEvent(AnomalyDetected, map[string]interface{}{
			"n": fmt.Sprintf("e%d", i),
		})))
	}

	// Synchronous delivery means everything arrived before Publish returned.
	assert.Equal(t, []string{"e0", "e1", "e2", "e3", "e4"}, got)
}

func TestBus_RejectsUnknownType(t *testing.T) {
	bus := NewBus()
	err := bus.Publish(context.Background(), NewEvent(EventType("made.up"), nil))
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestBus_HandlerErrorsDoNotPropagate(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	bus.Subscribe(SystemError, func(_ context.Context, _ *Event) error {
		return errors.New("handler exploded")
	})
	var reached bool
	bus.Subscribe(SystemError, func(_ context.Context, _ *Event) error {
		reached = true
		return nil
	})

	require.NoError(t, bus.Publish(ctx, NewEvent(SystemError, nil)))
	assert.True(t, reached, "second handler still runs after first errors")
}

func TestBus_HandlerPanicIsRecovered(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(SystemError, func(_ context.Context, _ *Event) error {
		panic("boom")
	})
	assert.NotPanics(t, func() {
		_ = bus.Publish(context.Background(), NewEvent(SystemError, nil))
	})
}

func TestBus_SubscribeAllAndUnsubscribe(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	var all, typed int
	unsubAll := bus.SubscribeAll(func(_ context.Context, _ *Event) error {
		all++
		return nil
	})
	bus.Subscribe(RiskUpdated, func(_ context.Context, _ *Event) error {
		typed++
		return nil
	})

	bus.Emit(ctx, RiskUpdated, "prj-1", nil)
	bus.Emit(ctx, CaseCreated, "prj-1", nil)
	assert.Equal(t, 2, all)
	assert.Equal(t, 1, typed)

	unsubAll()
	bus.Emit(ctx, RiskUpdated, "prj-1", nil)
	assert.Equal(t, 2, all, "unsubscribed handler sees nothing")
	assert.Equal(t, 2, typed)
}

func TestBus_RecentNewestFirstWithFilter(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	bus.Emit(ctx, CaseCreated, "prj-a", map[string]interface{}{"seq": 1})
	bus.Emit(ctx, CaseClosed, "prj-a", map[string]interface{}{"seq": 2})
	bus.Emit(ctx, CaseCreated, "prj-b", map[string]interface{}{"seq": 3})

	recent := bus.Recent(RecentFilter{Project: "prj-a"}, 10)
	require.Len(t, recent, 2)
	assert.Equal(t, CaseClosed, recent[0].Type) // newest first
	assert.Equal(t, CaseCreated, recent[1].Type)

	byType := bus.Recent(RecentFilter{Types: []EventType{CaseCreated}}, 10)
	require.Len(t, byType, 2)
	assert.Equal(t, "prj-b", byType[0].Project)
}

func TestBus_RingBufferCapsHistory(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	for i := 0; i < HistorySize+25; i++ {
		bus.Emit(ctx, SystemPerformance, "prj", map[string]interface{}{"i": i})
	}

	recent := bus.Recent(RecentFilter{}, HistorySize*2)
	assert.Len(t, recent, HistorySize)
	// Newest entry carries the final counter value.
	assert.Equal(t, HistorySize+24, recent[0].Data["i"])
}

func TestBus_RecentDefaultLimit(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	for i := 0; i < DefaultRecentLimit+50; i++ {
		bus.Emit(ctx, PageViewed, "prj", nil)
	}
	assert.Len(t, bus.Recent(RecentFilter{}, 0), DefaultRecentLimit)
}

func TestBus_ConcurrentPublishersSerialized(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	var mu sync.Mutex
	seen := 0
	bus.Subscribe(ActionPerformed, func(_ context.Context, _ *Event) error {
		mu.Lock()
		seen++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bus.Emit(ctx, ActionPerformed, "prj", nil)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 400, seen)
	assert.Len(t, bus.Recent(RecentFilter{}, 500), 400)
}

func TestBus_ClosedBusDropsPublishes(t *testing.T) {
	bus := NewBus()
	var delivered bool
	bus.Subscribe(UserLogin, func(_ context.Context, _ *Event) error {
		delivered = true
		return nil
	})
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Publish(context.Background(), NewEvent(UserLogin, nil)))
	assert.False(t, delivered)
}

// ============================================================================
// REDIS RELAY
// ============================================================================

type fakePubSub struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string]func([]byte)
	failPub   bool
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{
		published: make(map[string][][]byte),
		handlers:  make(map[string]func([]byte)),
	}
}

func (f *fakePubSub) Publish(_ context.Context, channel string, message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPub {
		return errors.New("redis down")
	}
	f.published[channel] = append(f.published[channel], message)
	return nil
}

func (f *fakePubSub) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[channel] = handler
	return func() {}, nil
}

func (f *fakePubSub) inject(channel string, payload []byte) {
	f.mu.Lock()
	h := f.handlers[channel]
	f.mu.Unlock()
	if h != nil {
		h(payload)
	}
}

func TestRedisRelay_OutboundPublishesToChannel(t *testing.T) {
	bus := NewBus()
	fake := newFakePubSub()
	relay := NewRedisRelay(bus, fake, "")
	relay.Start(context.Background())
	defer relay.Close()

	bus.Emit(context.Background(), HighRiskAlert, "prj-9", map[string]interface{}{"risk": 0.95})

	fake.mu.Lock()
	defer fake.mu.Unlock()
	msgs := fake.published["zenith:events:high_risk.alert"]
	require.Len(t, msgs, 1)
	assert.Contains(t, string(msgs[0]), `"prj-9"`)
}

func TestRedisRelay_InboundReinjectsWithoutEcho(t *testing.T) {
	bus := NewBus()
	fake := newFakePubSub()
	relay := NewRedisRelay(bus, fake, "")
	relay.Start(context.Background())
	defer relay.Close()

	var got []*Event
	bus.Subscribe(CorrelationFound, func(_ context.Context, e *Event) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, relay.Listen(context.Background(), CorrelationFound))

	remote := NewEvent(CorrelationFound, map[string]interface{}{"cycle": "A-B-C-A"})
	remote.Project = "prj-x"
	payload, err := json.Marshal(remote)
	require.NoError(t, err)

	fake.inject("zenith:events:correlation.found", payload)

	require.Len(t, got, 1)
	assert.Equal(t, "prj-x", got[0].Project)

	// The re-injected event must not bounce back out to Redis.
	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.published["zenith:events:correlation.found"])
}

func TestRedisRelay_PublishFailureDoesNotBreakLocalDelivery(t *testing.T) {
	bus := NewBus()
	fake := newFakePubSub()
	fake.failPub = true
	relay := NewRedisRelay(bus, fake, "")
	relay.Start(context.Background())
	defer relay.Close()

	var local int
	bus.Subscribe(VarianceDetected, func(_ context.Context, _ *Event) error {
		local++
		return nil
	})

	bus.Emit(context.Background(), VarianceDetected, "prj", nil)
	assert.Equal(t, 1, local)
}
