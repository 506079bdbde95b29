package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribePublishUnsubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe(8)
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(&Event{ID: "e1", Type: WorkerCreated, AggregateID: "w-1", Version: 1})

	select {
	case evt := <-sub:
		require.NotNil(t, evt)
		assert.Equal(t, WorkerCreated, evt.Type)
		assert.Equal(t, "w-1", evt.AggregateID)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestPerAggregateOrdering(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe(16)

	for v := uint64(1); v <= 5; v++ {
		b.Publish(&Event{ID: "e", Type: InstanceScheduled, AggregateID: "i-1", Version: v})
	}

	for v := uint64(1); v <= 5; v++ {
		select {
		case evt := <-sub:
			assert.Equal(t, v, evt.Version)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for ordered event")
		}
	}
}

func TestUnsubscribeUnknownIsNoop(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	unknown := make(Subscriber, 1)
	b.Unsubscribe(unknown) // must not panic
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	_ = b.Subscribe(1) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(&Event{ID: "e", Type: WorkerCreated, AggregateID: "w-1", Version: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber queue")
	}
}
