package worker

import (
	"time"

	"github.com/cuemby/cmlfleet/pkg/log"
	"github.com/cuemby/cmlfleet/pkg/metrics"
	"github.com/cuemby/cmlfleet/pkg/orcherr"
	"github.com/cuemby/cmlfleet/pkg/storage"
	"github.com/cuemby/cmlfleet/pkg/types"
	"github.com/rs/zerolog"
)

const maxCASAttempts = 5

// legalTransitions enumerates S_W's edges, including the TERMINATED
// edges, which are reachable from RUNNING and STOPPED only.
var legalTransitions = map[types.WorkerStatus][]types.WorkerStatus{
	types.WorkerPending:      {types.WorkerProvisioning},
	types.WorkerProvisioning: {types.WorkerRunning},
	types.WorkerRunning:      {types.WorkerDraining, types.WorkerTerminated},
	types.WorkerDraining:     {types.WorkerRunning, types.WorkerStopping},
	types.WorkerStopping:     {types.WorkerStopped},
	types.WorkerStopped:      {types.WorkerTerminated},
}

func allowed(from, to types.WorkerStatus) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Service applies commands to Worker aggregates.
type Service struct {
	store  storage.Store
	logger zerolog.Logger
}

// New creates a worker Service backed by store.
func New(store storage.Store) *Service {
	return &Service{store: store, logger: log.WithComponent("worker")}
}

// mutate loads workerID, applies fn, and saves with CAS retry. fn
// receives the loaded worker and must mutate it in place; fn's error
// aborts the attempt without retrying.
func (s *Service) mutate(workerID string, fn func(w *types.Worker) error) (*types.Worker, error) {
	var last error
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		w, err := s.store.GetWorker(workerID)
		if err != nil {
			return nil, err
		}
		if err := fn(w); err != nil {
			return nil, err
		}
		if err := s.store.SaveWorker(w, w.Version); err != nil {
			if orcherr.Is(err, orcherr.Conflict) {
				last = err
				continue
			}
			return nil, err
		}
		return w, nil
	}
	return nil, orcherr.Wrap(orcherr.Conflict, last, "worker %s update exceeded retry budget", workerID)
}

func transitionTo(w *types.Worker, to types.WorkerStatus, reason string) error {
	if !allowed(w.Status, to) {
		return orcherr.New(orcherr.InvalidTransition, "worker %s cannot go %s -> %s", w.ID, w.Status, to)
	}
	w.Status = to
	return nil
}

// Create persists a new worker in PENDING.
func (s *Service) Create(w *types.Worker) error {
	if w.Status == "" {
		w.Status = types.WorkerPending
	}
	if w.Status != types.WorkerPending {
		return orcherr.New(orcherr.InvalidArgument, "new worker must start PENDING, got %s", w.Status)
	}
	return s.store.SaveWorker(w, 0)
}

// MarkProvisioning transitions PENDING -> PROVISIONING after the cloud
// adapter accepts the create request.
func (s *Service) MarkProvisioning(workerID, providerInstanceID string) error {
	_, err := s.mutate(workerID, func(w *types.Worker) error {
		if err := transitionTo(w, types.WorkerProvisioning, ""); err != nil {
			return err
		}
		w.ProviderInstanceID = providerInstanceID
		return nil
	})
	return err
}

// MarkRunning transitions PROVISIONING -> RUNNING once the worker's
// lab-host API answers healthy.
func (s *Service) MarkRunning(workerID, publicEndpoint, privateEndpoint string) error {
	_, err := s.mutate(workerID, func(w *types.Worker) error {
		if err := transitionTo(w, types.WorkerRunning, ""); err != nil {
			return err
		}
		w.PublicEndpoint = publicEndpoint
		w.PrivateEndpoint = privateEndpoint
		w.LastHealthAt = time.Now()
		return nil
	})
	return err
}

// StartDrain transitions RUNNING -> DRAINING. Draining workers accept no
// new placements; existing instances run to completion or drain_timeout.
func (s *Service) StartDrain(workerID string) error {
	_, err := s.mutate(workerID, func(w *types.Worker) error {
		if err := transitionTo(w, types.WorkerDraining, ""); err != nil {
			return err
		}
		now := time.Now()
		w.DrainStartedAt = &now
		return nil
	})
	return err
}

// CancelDrain transitions DRAINING -> RUNNING. It does not retry past a
// Conflict: if ForceStop committed first the worker has already left
// DRAINING, and the caller should observe the new status rather than
// blindly reapplying a cancel that no longer makes sense.
func (s *Service) CancelDrain(workerID string) error {
	w, err := s.store.GetWorker(workerID)
	if err != nil {
		return err
	}
	if w.Status != types.WorkerDraining {
		if w.Status == types.WorkerStopping && w.DrainStartedAt != nil {
			return orcherr.New(orcherr.Conflict, "cancel drain lost the race, worker %s is now %s", workerID, w.Status)
		}
		return orcherr.New(orcherr.InvalidTransition, "worker %s is not draining (status %s)", w.ID, w.Status)
	}
	w.Status = types.WorkerRunning
	w.DrainStartedAt = nil
	if err := s.store.SaveWorker(w, w.Version); err != nil {
		if orcherr.Is(err, orcherr.Conflict) {
			cur, getErr := s.store.GetWorker(workerID)
			if getErr == nil {
				return orcherr.New(orcherr.Conflict, "cancel drain lost the race, worker %s is now %s", workerID, cur.Status)
			}
		}
		return err
	}
	return nil
}

// ForceStop transitions DRAINING -> STOPPING once now - drain_started_at
// exceeds the template's drain_timeout. Instances still bound to the
// worker are the caller's responsibility to terminate with reason
// drain_forced (pkg/controller).
func (s *Service) ForceStop(workerID string) error {
	_, err := s.mutate(workerID, func(w *types.Worker) error {
		if w.Status != types.WorkerDraining {
			return orcherr.New(orcherr.InvalidTransition, "worker %s is not draining (status %s)", w.ID, w.Status)
		}
		w.Status = types.WorkerStopping
		return nil
	})
	return err
}

// MarkStopping transitions DRAINING -> STOPPING for a drained worker with
// zero remaining instances (the ordinary, non-forced path).
func (s *Service) MarkStopping(workerID string) error {
	_, err := s.mutate(workerID, func(w *types.Worker) error {
		return transitionTo(w, types.WorkerStopping, "")
	})
	return err
}

// MarkStopped transitions STOPPING -> STOPPED once the cloud adapter
// confirms the instance has stopped.
func (s *Service) MarkStopped(workerID string) error {
	_, err := s.mutate(workerID, func(w *types.Worker) error {
		return transitionTo(w, types.WorkerStopped, "")
	})
	return err
}

// Terminate transitions RUNNING or STOPPED -> TERMINATED.
func (s *Service) Terminate(workerID string) error {
	_, err := s.mutate(workerID, func(w *types.Worker) error {
		return transitionTo(w, types.WorkerTerminated, "")
	})
	return err
}

// ReserveCapacity adds need to the worker's allocated_capacity, failing
// with CapacityExhausted if the result would exceed declared_capacity.
func (s *Service) ReserveCapacity(workerID string, need types.ResourceRequirements) error {
	_, err := s.mutate(workerID, func(w *types.Worker) error {
		after := w.AllocatedCapacity.Add(need)
		if !w.DeclaredCapacity.Fits(after) {
			return orcherr.New(orcherr.CapacityExhausted, "worker %s cannot fit additional capacity", workerID)
		}
		w.AllocatedCapacity = after
		return nil
	})
	return err
}

// ReleaseCapacity subtracts need from the worker's allocated_capacity.
// Idempotent: releasing more than is held clamps at zero rather than
// erroring. Its caller is instance.Service.Schedule, undoing a
// reservation whose transition failed.
func (s *Service) ReleaseCapacity(workerID string, need types.ResourceRequirements) error {
	_, err := s.mutate(workerID, func(w *types.Worker) error {
		after := w.AllocatedCapacity.Sub(need)
		if after.CPU < 0 {
			after.CPU = 0
		}
		if after.MemoryGB < 0 {
			after.MemoryGB = 0
		}
		if after.StorageGB < 0 {
			after.StorageGB = 0
		}
		if after.Nodes < 0 {
			after.Nodes = 0
		}
		w.AllocatedCapacity = after
		return nil
	})
	return err
}

// CheckDrainTimeouts force-stops any DRAINING worker whose drain has run
// longer than timeout, returning the ids of workers it force-stopped so
// the caller can terminate whatever instances are still bound to them.
func (s *Service) CheckDrainTimeouts(workers []*types.Worker, timeoutFor func(*types.Worker) time.Duration) []string {
	now := time.Now()
	var stopped []string
	for _, w := range workers {
		if w.Status != types.WorkerDraining || w.DrainStartedAt == nil {
			continue
		}
		if now.Sub(*w.DrainStartedAt) <= timeoutFor(w) {
			continue
		}
		if err := s.ForceStop(w.ID); err != nil {
			s.logger.Error().Err(err).Str("worker_id", w.ID).Msg("force-stop after drain timeout failed")
			continue
		}
		metrics.ScalingActionsTotal.WithLabelValues("force_stop", w.TemplateName).Inc()
		stopped = append(stopped, w.ID)
	}
	return stopped
}
