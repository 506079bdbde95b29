package sse

import (
	"testing"
	"time"

	"github.com/cuemby/cmlfleet/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T, queueDepth int) (*events.Broker, *Hub) {
	t.Helper()
	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)

	hub := NewHub(bus, queueDepth)
	hub.Start()
	t.Cleanup(hub.Stop)
	return bus, hub
}

func recvWithin(t *testing.T, ch <-chan *events.Event, d time.Duration) *events.Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("channel closed while waiting for event")
		}
		return evt
	case <-time.After(d):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestSubscribeWithNoFilterReceivesEverything(t *testing.T) {
	bus, hub := newTestHub(t, 8)
	sub := hub.Subscribe(Filter{})
	defer hub.Unsubscribe(sub.ID)

	bus.Publish(&events.Event{ID: "e1", Type: events.WorkerCreated, AggregateID: "w-1"})
	evt := recvWithin(t, sub.Events, time.Second)
	assert.Equal(t, "e1", evt.ID)
}

func TestFilterByEventType(t *testing.T) {
	bus, hub := newTestHub(t, 8)
	sub := hub.Subscribe(Filter{EventTypes: []events.Type{events.InstanceRunning}})
	defer hub.Unsubscribe(sub.ID)

	bus.Publish(&events.Event{ID: "e1", Type: events.WorkerCreated, AggregateID: "w-1"})
	bus.Publish(&events.Event{ID: "e2", Type: events.InstanceRunning, AggregateID: "i-1"})

	evt := recvWithin(t, sub.Events, time.Second)
	assert.Equal(t, "e2", evt.ID)

	select {
	case extra := <-sub.Events:
		t.Fatalf("unexpected extra event: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFilterByInstanceID(t *testing.T) {
	bus, hub := newTestHub(t, 8)
	sub := hub.Subscribe(Filter{InstanceIDs: []string{"i-1"}})
	defer hub.Unsubscribe(sub.ID)

	bus.Publish(&events.Event{ID: "e1", Type: events.InstanceRunning, AggregateID: "i-2"})
	bus.Publish(&events.Event{ID: "e2", Type: events.InstanceRunning, AggregateID: "i-1"})

	evt := recvWithin(t, sub.Events, time.Second)
	assert.Equal(t, "e2", evt.ID)
}

func TestFilterPassesScalingAndSystemEventsRegardlessOfIDFilter(t *testing.T) {
	bus, hub := newTestHub(t, 8)
	sub := hub.Subscribe(Filter{InstanceIDs: []string{"i-1"}})
	defer hub.Unsubscribe(sub.ID)

	bus.Publish(&events.Event{ID: "e1", Type: events.ScalingAction, AggregateID: ""})
	evt := recvWithin(t, sub.Events, time.Second)
	assert.Equal(t, "e1", evt.ID)
}

func TestQueueOverflowDropsSubscriber(t *testing.T) {
	bus, hub := newTestHub(t, 1)
	sub := hub.Subscribe(Filter{})

	for i := 0; i < 10; i++ {
		bus.Publish(&events.Event{ID: "e", Type: events.WorkerCreated})
	}

	require.Eventually(t, func() bool {
		return hub.Active() == 0
	}, time.Second, 10*time.Millisecond, "overflowed subscriber should be dropped")

	_, ok := <-sub.Events
	assert.False(t, ok, "dropped subscriber's channel should be closed")
}

func TestHeartbeatIsDelivered(t *testing.T) {
	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)

	hub := NewHub(bus, 8)
	hub.heartbeatIntervalOverride(20 * time.Millisecond)
	hub.Start()
	t.Cleanup(hub.Stop)

	sub := hub.Subscribe(Filter{})
	defer hub.Unsubscribe(sub.ID)

	evt := recvWithin(t, sub.Events, time.Second)
	assert.Equal(t, HeartbeatType, evt.Type)
}

func TestStopBroadcastsShutdownAndClosesSubscribers(t *testing.T) {
	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)

	hub := NewHub(bus, 8)
	hub.Start()
	sub := hub.Subscribe(Filter{})

	hub.Stop()

	evt, ok := <-sub.Events
	require.True(t, ok)
	assert.Equal(t, events.SystemShutdown, evt.Type)

	_, ok = <-sub.Events
	assert.False(t, ok, "subscriber channel should be closed after shutdown")
}
