package instance

import (
	"testing"

	"github.com/cuemby/cmlfleet/pkg/orcherr"
	"github.com/cuemby/cmlfleet/pkg/portalloc"
	"github.com/cuemby/cmlfleet/pkg/storage"
	"github.com/cuemby/cmlfleet/pkg/types"
	"github.com/cuemby/cmlfleet/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServices(t *testing.T) (storage.Store, *Service) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	w := &types.Worker{
		ID:                "w-1",
		Status:            types.WorkerRunning,
		DeclaredCapacity:  types.ResourceRequirements{CPU: 8, MemoryGB: 32, Nodes: 4},
		PortRange:         types.PortRange{Lo: 2000, Hi: 2009},
	}
	require.NoError(t, store.SaveWorker(w, 0))

	return store, New(store, worker.New(store), portalloc.New(store))
}

func seedInstance(t *testing.T, store storage.Store, id string) {
	t.Helper()
	i := &types.LabletInstance{ID: id, State: types.InstancePending}
	require.NoError(t, store.SaveInstance(i, 0))
}

func TestHappyPathToArchived(t *testing.T) {
	store, svc := newServices(t)
	seedInstance(t, store, "i-1")
	need := types.ResourceRequirements{CPU: 2, MemoryGB: 4, Nodes: 1}

	require.NoError(t, svc.Schedule("i-1", "w-1", need))
	ports, err := svc.BeginInstantiation("i-1", []types.PortPlaceholder{{Name: "CONSOLE1", Kind: types.PortConsole}})
	require.NoError(t, err)
	assert.Equal(t, 2000, ports["CONSOLE1"])

	require.NoError(t, svc.MarkRunning("i-1", "lab-1"))
	require.NoError(t, svc.BeginCollection("i-1"))
	require.NoError(t, svc.BeginGrading("i-1"))
	require.NoError(t, svc.RecordGrade("i-1", 92.5))
	require.NoError(t, svc.MarkStopped("i-1"))
	require.NoError(t, svc.Archive("i-1"))

	i, err := store.GetInstance("i-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceArchived, i.State)
	assert.Equal(t, "lab-1", i.LabID)
	require.NotNil(t, i.GradingScore)
	assert.Equal(t, 92.5, *i.GradingScore)
	assert.Len(t, i.StateHistory, 8) // 8 transitions; seedInstance records no creation entry
}

func TestIllegalTransitionRejected(t *testing.T) {
	store, svc := newServices(t)
	seedInstance(t, store, "i-1")

	err := svc.MarkRunning("i-1", "lab-1")
	require.Error(t, err)
	assert.True(t, orcherr.Is(err, orcherr.InvalidTransition))
}

func TestFailInstantiationReleasesPortsAndCapacity(t *testing.T) {
	store, svc := newServices(t)
	seedInstance(t, store, "i-1")
	need := types.ResourceRequirements{CPU: 2, MemoryGB: 4, Nodes: 1}

	require.NoError(t, svc.Schedule("i-1", "w-1", need))
	_, err := svc.BeginInstantiation("i-1", []types.PortPlaceholder{{Name: "CONSOLE1", Kind: types.PortConsole}})
	require.NoError(t, err)

	require.NoError(t, svc.FailInstantiation("i-1", "instantiation_timeout", need))

	i, err := store.GetInstance("i-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceTerminated, i.State)

	w, err := store.GetWorker("w-1")
	require.NoError(t, err)
	assert.Empty(t, w.PortAllocations)
	assert.Equal(t, 0, w.AllocatedCapacity.CPU)
}

func TestTerminateFromRunningReleasesResources(t *testing.T) {
	store, svc := newServices(t)
	seedInstance(t, store, "i-1")
	need := types.ResourceRequirements{CPU: 2, MemoryGB: 4, Nodes: 1}

	require.NoError(t, svc.Schedule("i-1", "w-1", need))
	_, err := svc.BeginInstantiation("i-1", []types.PortPlaceholder{{Name: "CONSOLE1", Kind: types.PortConsole}})
	require.NoError(t, err)
	require.NoError(t, svc.MarkRunning("i-1", "lab-1"))

	require.NoError(t, svc.Terminate("i-1", "admin_terminate", need))

	i, err := store.GetInstance("i-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceTerminated, i.State)

	w, err := store.GetWorker("w-1")
	require.NoError(t, err)
	assert.Empty(t, w.PortAllocations)
	assert.NotContains(t, w.InstanceIDs, "i-1")
}

func TestTerminateReachableFromAnyNonTerminalState(t *testing.T) {
	store, svc := newServices(t)
	seedInstance(t, store, "i-1")

	require.NoError(t, svc.Terminate("i-1", "owner_cancel", types.ResourceRequirements{}))

	i, err := store.GetInstance("i-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceTerminated, i.State)
}

func TestRequestStopFromRunningAndCollecting(t *testing.T) {
	store, svc := newServices(t)
	seedInstance(t, store, "i-1")
	need := types.ResourceRequirements{CPU: 1, MemoryGB: 1, Nodes: 1}
	require.NoError(t, svc.Schedule("i-1", "w-1", need))
	_, err := svc.BeginInstantiation("i-1", []types.PortPlaceholder{{Name: "CONSOLE1", Kind: types.PortConsole}})
	require.NoError(t, err)
	require.NoError(t, svc.MarkRunning("i-1", "lab-1"))

	require.NoError(t, svc.RequestStop("i-1", "timeslot_ended"))

	i, err := store.GetInstance("i-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStopping, i.State)

	seedInstance(t, store, "i-2")
	require.NoError(t, svc.Schedule("i-2", "w-1", need))
	_, err = svc.BeginInstantiation("i-2", []types.PortPlaceholder{{Name: "CONSOLE2", Kind: types.PortConsole}})
	require.NoError(t, err)
	require.NoError(t, svc.MarkRunning("i-2", "lab-2"))
	require.NoError(t, svc.BeginCollection("i-2"))
	require.NoError(t, svc.RequestStop("i-2", "timeslot_ended"))

	i2, err := store.GetInstance("i-2")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStopping, i2.State)
}
