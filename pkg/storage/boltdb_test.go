package storage

import (
	"testing"
	"time"

	"github.com/cuemby/cmlfleet/pkg/audit"
	"github.com/cuemby/cmlfleet/pkg/events"
	"github.com/cuemby/cmlfleet/pkg/orcherr"
	"github.com/cuemby/cmlfleet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*BoltStore, *events.Broker) {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	store, err := NewBoltStore(t.TempDir(), broker)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, broker
}

func TestSaveWorkerCASConflict(t *testing.T) {
	store, _ := newTestStore(t)

	w := &types.Worker{ID: "w-1", TemplateName: "t1", Status: types.WorkerPending}
	require.NoError(t, store.SaveWorker(w, 0))
	assert.Equal(t, uint64(1), w.Version)

	stale := &types.Worker{ID: "w-1", TemplateName: "t1", Status: types.WorkerRunning}
	err := store.SaveWorker(stale, 0)
	require.Error(t, err)
	assert.True(t, orcherr.Is(err, orcherr.Conflict))

	fresh := &types.Worker{ID: "w-1", TemplateName: "t1", Status: types.WorkerRunning}
	require.NoError(t, store.SaveWorker(fresh, 1))
	assert.Equal(t, uint64(2), fresh.Version)
}

func TestSaveInstancePublishesEvent(t *testing.T) {
	store, broker := newTestStore(t)
	sub := broker.Subscribe(4)
	defer broker.Unsubscribe(sub)

	inst := &types.LabletInstance{
		ID:           "i-1",
		State:        types.InstanceScheduled,
		StateHistory: []types.StateTransition{{State: "SCHEDULED", At: time.Now(), Reason: "placed"}},
	}
	require.NoError(t, store.SaveInstance(inst, 0))

	select {
	case evt := <-sub:
		assert.Equal(t, events.InstanceScheduled, evt.Type)
		assert.Equal(t, "i-1", evt.AggregateID)
		assert.Equal(t, uint64(1), evt.Version)
	case <-time.After(time.Second):
		t.Fatal("expected an event to be published on save")
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.GetWorker("missing")
	require.Error(t, err)
	assert.True(t, orcherr.Is(err, orcherr.NotFound))
}

func TestAuditLogOrdering(t *testing.T) {
	store, _ := newTestStore(t)

	for i := 0; i < 3; i++ {
		entry := &audit.Entry{Timestamp: time.Now(), Action: "action-" + string(rune('0'+i)), Actor: "controller"}
		require.NoError(t, store.AppendAudit(entry))
	}

	entries, err := store.ListAudit(0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// ListAudit returns newest first
	assert.Equal(t, "action-2", entries[0].Action)
	assert.Equal(t, "action-0", entries[2].Action)
}
