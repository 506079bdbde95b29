// Package portalloc implements the Port Allocator (C4): per-worker,
// atomic, collision-free reservation and release of console/VNC/SSH
// ports, first-fit within a worker's configured range.
package portalloc

import (
	"sort"
	"time"

	"github.com/cuemby/cmlfleet/pkg/metrics"
	"github.com/cuemby/cmlfleet/pkg/orcherr"
	"github.com/cuemby/cmlfleet/pkg/storage"
	"github.com/cuemby/cmlfleet/pkg/types"
)

const maxCASAttempts = 5

// Allocator reserves and releases ports on Worker aggregates via
// load-mutate-save against the aggregate store, retrying on CAS conflict
// exactly as every allocator command requires.
type Allocator struct {
	store storage.Store
}

// New creates a port Allocator backed by store.
func New(store storage.Store) *Allocator {
	return &Allocator{store: store}
}

// Allocate reserves len(placeholders) distinct free ports on worker
// workerID for instanceID, first-fit over the worker's [lo, hi] range,
// and records the allocation on the worker aggregate. Returns the
// placeholder-name to port-number mapping.
func (a *Allocator) Allocate(workerID, instanceID string, placeholders []types.PortPlaceholder) (map[string]int, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		w, err := a.store.GetWorker(workerID)
		if err != nil {
			return nil, err
		}

		ports, err := firstFit(w, len(placeholders))
		if err != nil {
			metrics.PortAllocationFailuresTotal.WithLabelValues(workerID).Inc()
			return nil, err
		}

		assignment := make(map[string]int, len(placeholders))
		for i, p := range placeholders {
			assignment[p.Name] = ports[i]
		}

		w.PortAllocations = append(w.PortAllocations, types.PortAllocation{
			InstanceID:  instanceID,
			Ports:       assignment,
			AllocatedAt: time.Now(),
		})
		if !containsInstance(w.InstanceIDs, instanceID) {
			w.InstanceIDs = append(w.InstanceIDs, instanceID)
		}

		err = a.store.SaveWorker(w, w.Version)
		if err == nil {
			return assignment, nil
		}
		if !orcherr.Is(err, orcherr.Conflict) {
			return nil, err
		}
		metrics.PortAllocationConflictsTotal.Inc()
	}
	return nil, orcherr.New(orcherr.Conflict, "port allocation on worker %s exceeded retry budget", workerID)
}

// Release removes instanceID's port allocation from workerID. Releasing
// an instance that holds no allocation is a no-op (idempotent release,
// the allocation invariants).
func (a *Allocator) Release(workerID, instanceID string) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		w, err := a.store.GetWorker(workerID)
		if err != nil {
			return err
		}

		found := false
		remaining := w.PortAllocations[:0:0]
		for _, alloc := range w.PortAllocations {
			if alloc.InstanceID == instanceID {
				found = true
				continue
			}
			remaining = append(remaining, alloc)
		}
		if !found {
			return nil
		}
		w.PortAllocations = remaining
		w.InstanceIDs = removeInstance(w.InstanceIDs, instanceID)

		err = a.store.SaveWorker(w, w.Version)
		if err == nil {
			return nil
		}
		if !orcherr.Is(err, orcherr.Conflict) {
			return err
		}
		metrics.PortAllocationConflictsTotal.Inc()
	}
	return orcherr.New(orcherr.Conflict, "port release on worker %s exceeded retry budget", workerID)
}

// firstFit returns n distinct free ports in [w.PortRange.Lo, w.PortRange.Hi]
// in ascending order, or PortAllocationFailed if fewer than n are free.
func firstFit(w *types.Worker, n int) ([]int, error) {
	used := w.UsedPorts()
	free := make([]int, 0, n)
	for p := w.PortRange.Lo; p <= w.PortRange.Hi && len(free) < n; p++ {
		if !used[p] {
			free = append(free, p)
		}
	}
	if len(free) < n {
		return nil, orcherr.New(orcherr.PortAllocationFailed, "worker %s has no %d free ports in [%d,%d]", w.ID, n, w.PortRange.Lo, w.PortRange.Hi)
	}
	sort.Ints(free)
	return free, nil
}

func containsInstance(ids []string, id string) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}

func removeInstance(ids []string, id string) []string {
	out := ids[:0:0]
	for _, i := range ids {
		if i != id {
			out = append(out, i)
		}
	}
	return out
}
