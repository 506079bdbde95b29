package controller

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/cmlfleet/pkg/cloudadapter"
	"github.com/cuemby/cmlfleet/pkg/config"
	"github.com/cuemby/cmlfleet/pkg/events"
	"github.com/cuemby/cmlfleet/pkg/instance"
	"github.com/cuemby/cmlfleet/pkg/portalloc"
	"github.com/cuemby/cmlfleet/pkg/storage"
	"github.com/cuemby/cmlfleet/pkg/types"
	"github.com/cuemby/cmlfleet/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	createN int
}

func (f *fakeAdapter) CreateInstance(ctx context.Context, spec cloudadapter.InstanceSpec) (string, error) {
	f.createN++
	return "prov-1", nil
}
func (f *fakeAdapter) StartInstance(ctx context.Context, id string) error { return nil }
func (f *fakeAdapter) StopInstance(ctx context.Context, id string) error { return nil }
func (f *fakeAdapter) TerminateInstance(ctx context.Context, id string) error { return nil }
func (f *fakeAdapter) DescribeInstance(ctx context.Context, id string) (*cloudadapter.InstanceDescription, error) {
	return &cloudadapter.InstanceDescription{ProviderInstanceID: id, State: "running"}, nil
}

func newHarness(t *testing.T) (storage.Store, *instance.Service, *worker.Service, *events.Broker) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)

	ws := worker.New(store)
	svc := instance.New(store, ws, portalloc.New(store))
	return store, svc, ws, bus
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Controller.ScaleDownGrace = 30 * time.Minute
	return cfg
}

func newController(store storage.Store, bus *events.Broker, svc *instance.Service, ws *worker.Service, cloud cloudadapter.Adapter, cfg *config.Config) *Controller {
	return New(store, nil, bus, svc, ws, cloud, cfg, "node-a")
}

func seedTemplate(t *testing.T, store storage.Store, name string) *types.WorkerTemplate {
	t.Helper()
	tmpl := &types.WorkerTemplate{
		Name:         name,
		InstanceType: "m5.xlarge",
		Capacity:     types.ResourceRequirements{CPU: 8, MemoryGB: 32, Nodes: 4},
		LicenseType:  types.LicensePersonal,
		PortRange:    types.PortRange{Lo: 2000, Hi: 2999},
		DrainTimeout: time.Hour,
	}
	require.NoError(t, store.SaveTemplate(tmpl))
	return tmpl
}

func TestScaleUpProvisionsOncePerTemplate(t *testing.T) {
	store, svc, ws, bus := newHarness(t)
	seedTemplate(t, store, "t1")

	def := &types.LabletDefinition{
		ID:                   "def-1",
		ResourceRequirements: types.ResourceRequirements{CPU: 2, MemoryGB: 4, Nodes: 1},
		LicenseAffinity:      []types.LicenseAffinity{types.LicensePersonal},
	}
	require.NoError(t, store.SaveDefinition(def, 0))

	cloud := &fakeAdapter{}
	c := newController(store, bus, svc, ws, cloud, testConfig())
	c.hints["def-1"] = struct{}{}

	require.NoError(t, c.scaleUp(context.Background()))
	assert.Equal(t, 1, cloud.createN)

	workers, err := store.ListWorkers()
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "t1", workers[0].TemplateName)
	assert.Equal(t, types.WorkerProvisioning, workers[0].Status)

	c.hints["def-1"] = struct{}{}
	require.NoError(t, c.scaleUp(context.Background()))
	assert.Equal(t, 1, cloud.createN, "a PROVISIONING worker of the template already exists")
}

func TestScaleUpSkipsUnmatchableDefinition(t *testing.T) {
	store, svc, ws, bus := newHarness(t)
	seedTemplate(t, store, "t1")

	def := &types.LabletDefinition{
		ID:                   "def-1",
		ResourceRequirements: types.ResourceRequirements{CPU: 99, MemoryGB: 4, Nodes: 1},
		LicenseAffinity:      []types.LicenseAffinity{types.LicensePersonal},
	}
	require.NoError(t, store.SaveDefinition(def, 0))

	cloud := &fakeAdapter{}
	c := newController(store, bus, svc, ws, cloud, testConfig())
	c.hints["def-1"] = struct{}{}

	require.NoError(t, c.scaleUp(context.Background()))
	assert.Equal(t, 0, cloud.createN)
}

func TestScaleDownDrainsThenStopsIdleWorker(t *testing.T) {
	store, svc, ws, bus := newHarness(t)
	require.NoError(t, store.SaveWorker(&types.Worker{
		ID:               "w-1",
		TemplateName:     "t1",
		Status:           types.WorkerRunning,
		DeclaredCapacity: types.ResourceRequirements{CPU: 8, MemoryGB: 32, Nodes: 4},
		PortRange:        types.PortRange{Lo: 2000, Hi: 2009},
	}, 0))

	cloud := &fakeAdapter{}
	c := newController(store, bus, svc, ws, cloud, testConfig())

	require.NoError(t, c.scaleDown())
	w, err := store.GetWorker("w-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerDraining, w.Status)

	require.NoError(t, c.scaleDown())
	w, err = store.GetWorker("w-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStopping, w.Status)
}

func TestScaleDownSkipsWorkerOnlyFitForPendingWork(t *testing.T) {
	store, svc, ws, bus := newHarness(t)
	require.NoError(t, store.SaveWorker(&types.Worker{
		ID:               "w-1",
		TemplateName:     "t1",
		Status:           types.WorkerRunning,
		DeclaredCapacity: types.ResourceRequirements{CPU: 8, MemoryGB: 32, Nodes: 4},
		PortRange:        types.PortRange{Lo: 2000, Hi: 2009},
		LicenseState:     types.LicensePersonal,
	}, 0))

	def := &types.LabletDefinition{
		ID:                   "def-1",
		ResourceRequirements: types.ResourceRequirements{CPU: 2, MemoryGB: 4, Nodes: 1},
		LicenseAffinity:      []types.LicenseAffinity{types.LicensePersonal},
	}
	require.NoError(t, store.SaveDefinition(def, 0))
	soon := time.Now().Add(time.Minute)
	require.NoError(t, store.SaveInstance(&types.LabletInstance{
		ID: "i-1", DefinitionID: "def-1", State: types.InstancePending, TimeslotStart: &soon,
	}, 0))

	cloud := &fakeAdapter{}
	c := newController(store, bus, svc, ws, cloud, testConfig())

	require.NoError(t, c.scaleDown())
	w, err := store.GetWorker("w-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerRunning, w.Status, "worker is the only fit for soon-due pending work")
}

func TestScaleDownForceStopsTimedOutDrainAndTerminatesInstance(t *testing.T) {
	store, svc, ws, bus := newHarness(t)
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, store.SaveWorker(&types.Worker{
		ID:               "w-1",
		TemplateName:     "t1",
		Status:           types.WorkerDraining,
		DeclaredCapacity: types.ResourceRequirements{CPU: 8, MemoryGB: 32, Nodes: 4},
		PortRange:        types.PortRange{Lo: 2000, Hi: 2009},
		DrainStartedAt:   &past,
	}, 0))

	need := types.ResourceRequirements{CPU: 2, MemoryGB: 4, Nodes: 1}
	def := &types.LabletDefinition{ID: "def-1", ResourceRequirements: need}
	require.NoError(t, store.SaveDefinition(def, 0))
	require.NoError(t, store.SaveInstance(&types.LabletInstance{ID: "i-1", DefinitionID: "def-1", State: types.InstanceRunning, WorkerID: "w-1"}, 0))

	cfg := testConfig()
	cfg.Drain.Timeout = config.DrainTimeout{"t1": time.Hour}
	cloud := &fakeAdapter{}
	c := newController(store, bus, svc, ws, cloud, cfg)

	require.NoError(t, c.scaleDown())

	w, err := store.GetWorker("w-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStopping, w.Status)

	inst, err := store.GetInstance("i-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceTerminated, inst.State)

	entries, err := store.ListAudit(10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "force_stop", entries[0].Action, "ListAudit returns newest first")
}

func TestWarmFloorProvisionsUpToMinimum(t *testing.T) {
	store, svc, ws, bus := newHarness(t)
	seedTemplate(t, store, "t1")

	cfg := testConfig()
	cfg.Controller.MinWarm = config.WarmFloor{"t1": 2}
	cloud := &fakeAdapter{}
	c := newController(store, bus, svc, ws, cloud, cfg)

	require.NoError(t, c.warmFloor(context.Background()))

	workers, err := store.ListWorkers()
	require.NoError(t, err)
	assert.Len(t, workers, 2)
	assert.Equal(t, 2, cloud.createN)

	require.NoError(t, c.warmFloor(context.Background()))
	workers, err = store.ListWorkers()
	require.NoError(t, err)
	assert.Len(t, workers, 2, "floor already met, no further provisioning")
}
