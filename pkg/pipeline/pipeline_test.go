package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/cuemby/cmlfleet/pkg/config"
	"github.com/cuemby/cmlfleet/pkg/instance"
	"github.com/cuemby/cmlfleet/pkg/orcherr"
	"github.com/cuemby/cmlfleet/pkg/portalloc"
	"github.com/cuemby/cmlfleet/pkg/storage"
	"github.com/cuemby/cmlfleet/pkg/types"
	"github.com/cuemby/cmlfleet/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTopology = `name: test-lab
nodes:
  - name: router1
    console: "${SERIAL_1}"
`

var testTopologyHash = func() string {
	sum := sha256.Sum256([]byte(testTopology))
	return hex.EncodeToString(sum[:])
}()

type fakeFetcher struct {
	body []byte
	err  error
	n    int
}

func (f *fakeFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	f.n++
	if f.err != nil {
		return nil, f.err
	}
	return f.body, nil
}

type fakeLabHost struct {
	importErr error
	startErr  error
	importN   int
	startN    int
}

func (f *fakeLabHost) ImportTopology(ctx context.Context, endpoint string, topology []byte) (string, error) {
	f.importN++
	if f.importErr != nil {
		return "", f.importErr
	}
	return "lab-1", nil
}

func (f *fakeLabHost) StartLab(ctx context.Context, endpoint, labID string) error {
	f.startN++
	return f.startErr
}
func (f *fakeLabHost) StopLab(ctx context.Context, endpoint, labID string) error   { return nil }
func (f *fakeLabHost) WipeLab(ctx context.Context, endpoint, labID string) error   { return nil }
func (f *fakeLabHost) DeleteLab(ctx context.Context, endpoint, labID string) error { return nil }
func (f *fakeLabHost) Healthy(ctx context.Context, endpoint string) bool           { return true }

func testRetryConfig() config.RetryConfig {
	return config.RetryConfig{MaxAttempts: 3, Base: time.Millisecond, Cap: 5 * time.Millisecond}
}

func newHarness(t *testing.T) (storage.Store, *instance.Service) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	w := &types.Worker{
		ID:               "w-1",
		Status:           types.WorkerRunning,
		DeclaredCapacity: types.ResourceRequirements{CPU: 8, MemoryGB: 32, Nodes: 4},
		PortRange:        types.PortRange{Lo: 2000, Hi: 2009},
		PrivateEndpoint:  "http://worker-1.internal:8080",
	}
	require.NoError(t, store.SaveWorker(w, 0))

	svc := instance.New(store, worker.New(store), portalloc.New(store))
	return store, svc
}

func seedScheduled(t *testing.T, store storage.Store, svc *instance.Service, id string, need types.ResourceRequirements) {
	t.Helper()
	i := &types.LabletInstance{ID: id, State: types.InstancePending}
	require.NoError(t, store.SaveInstance(i, 0))
	require.NoError(t, svc.Schedule(id, "w-1", need))
}

func testDef() *types.LabletDefinition {
	return &types.LabletDefinition{
		ID:           "def-1",
		ArtifactURI:  "s3://bucket/topology.yaml",
		TopologyHash: testTopologyHash,
		PortTemplate: []types.PortPlaceholder{{Name: "SERIAL_1", Kind: types.PortConsole}},
	}
}

func TestRunHappyPath(t *testing.T) {
	store, svc := newHarness(t)
	need := types.ResourceRequirements{CPU: 1, MemoryGB: 1, Nodes: 1}
	seedScheduled(t, store, svc, "i-1", need)

	fetcher := &fakeFetcher{body: []byte(testTopology)}
	lh := &fakeLabHost{}
	p := New(store, svc, lh, fetcher, testRetryConfig())

	inst, err := store.GetInstance("i-1")
	require.NoError(t, err)

	err = p.Run(context.Background(), inst, testDef(), need)
	require.NoError(t, err)

	got, err := store.GetInstance("i-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, got.State)
	assert.Equal(t, "lab-1", got.LabID)
	assert.Equal(t, 1, lh.importN)
	assert.Equal(t, 1, lh.startN)
}

func TestRunHashMismatchFailsFastAndReleasesResources(t *testing.T) {
	store, svc := newHarness(t)
	need := types.ResourceRequirements{CPU: 1, MemoryGB: 1, Nodes: 1}
	seedScheduled(t, store, svc, "i-1", need)

	fetcher := &fakeFetcher{body: []byte("name: wrong\n")}
	lh := &fakeLabHost{}
	p := New(store, svc, lh, fetcher, testRetryConfig())

	inst, err := store.GetInstance("i-1")
	require.NoError(t, err)

	err = p.Run(context.Background(), inst, testDef(), need)
	require.Error(t, err)

	got, err := store.GetInstance("i-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceTerminated, got.State)

	w, err := store.GetWorker("w-1")
	require.NoError(t, err)
	assert.Equal(t, types.ResourceRequirements{}, w.AllocatedCapacity)
	assert.Equal(t, 0, lh.importN, "labhost must not be contacted after a hash mismatch")
}

func TestRunRetriesTransientImportFailure(t *testing.T) {
	store, svc := newHarness(t)
	need := types.ResourceRequirements{CPU: 1, MemoryGB: 1, Nodes: 1}
	seedScheduled(t, store, svc, "i-1", need)

	fetcher := &fakeFetcher{body: []byte(testTopology)}
	lh := &flakyImportLabHost{failTimes: 2}
	p := New(store, svc, lh, fetcher, testRetryConfig())

	inst, err := store.GetInstance("i-1")
	require.NoError(t, err)

	err = p.Run(context.Background(), inst, testDef(), need)
	require.NoError(t, err)
	assert.Equal(t, 3, lh.importN)
}

type flakyImportLabHost struct {
	fakeLabHost
	failTimes int
}

func (f *flakyImportLabHost) ImportTopology(ctx context.Context, endpoint string, topology []byte) (string, error) {
	f.importN++
	if f.importN <= f.failTimes {
		return "", orcherr.New(orcherr.ExternalTransient, "temporary import failure")
	}
	return "lab-1", nil
}

func TestRunPermanentImportFailureDoesNotRetry(t *testing.T) {
	store, svc := newHarness(t)
	need := types.ResourceRequirements{CPU: 1, MemoryGB: 1, Nodes: 1}
	seedScheduled(t, store, svc, "i-1", need)

	fetcher := &fakeFetcher{body: []byte(testTopology)}
	lh := &fakeLabHost{importErr: orcherr.New(orcherr.ExternalPermanent, "bad topology")}
	p := New(store, svc, lh, fetcher, testRetryConfig())

	inst, err := store.GetInstance("i-1")
	require.NoError(t, err)

	err = p.Run(context.Background(), inst, testDef(), need)
	require.Error(t, err)
	assert.Equal(t, 1, lh.importN)

	got, err := store.GetInstance("i-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceTerminated, got.State)
}
