package instance

import (
	"time"

	"github.com/cuemby/cmlfleet/pkg/log"
	"github.com/cuemby/cmlfleet/pkg/orcherr"
	"github.com/cuemby/cmlfleet/pkg/portalloc"
	"github.com/cuemby/cmlfleet/pkg/storage"
	"github.com/cuemby/cmlfleet/pkg/types"
	"github.com/cuemby/cmlfleet/pkg/worker"
	"github.com/rs/zerolog"
)

const maxCASAttempts = 5

// legalTransitions enumerates S_I's non-terminal edges.
// TERMINATED is reachable from any state not already in a terminal
// state and is checked separately in allowed.
var legalTransitions = map[types.InstanceState][]types.InstanceState{
	types.InstancePending:       {types.InstanceScheduled},
	types.InstanceScheduled:     {types.InstanceInstantiating},
	types.InstanceInstantiating: {types.InstanceRunning},
	types.InstanceRunning:       {types.InstanceCollecting, types.InstanceStopping, types.InstanceGrading},
	types.InstanceCollecting:    {types.InstanceGrading, types.InstanceStopping},
	types.InstanceGrading:       {types.InstanceStopping},
	types.InstanceStopping:      {types.InstanceStopped},
	types.InstanceStopped:       {types.InstanceArchived},
}

func isTerminal(s types.InstanceState) bool {
	return s == types.InstanceArchived || s == types.InstanceTerminated
}

func allowed(from, to types.InstanceState) bool {
	if to == types.InstanceTerminated {
		return !isTerminal(from)
	}
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Service applies commands to LabletInstance aggregates.
type Service struct {
	store  storage.Store
	worker *worker.Service
	ports  *portalloc.Allocator
	logger zerolog.Logger
}

// New creates an instance Service. worker and ports reserve capacity and
// allocate ports, and undo them when Schedule or BeginInstantiation
// fails; terminal transitions release both through
// store.SaveInstanceReleasingWorker instead.
func New(store storage.Store, workerSvc *worker.Service, ports *portalloc.Allocator) *Service {
	return &Service{store: store, worker: workerSvc, ports: ports, logger: log.WithComponent("instance")}
}

func (s *Service) mutate(instanceID string, to types.InstanceState, reason string, fn func(i *types.LabletInstance) error) (*types.LabletInstance, error) {
	var last error
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		i, err := s.store.GetInstance(instanceID)
		if err != nil {
			return nil, err
		}
		if !allowed(i.State, to) {
			return nil, orcherr.New(orcherr.InvalidTransition, "instance %s cannot go %s -> %s", instanceID, i.State, to)
		}
		if fn != nil {
			if err := fn(i); err != nil {
				return nil, err
			}
		}
		i.State = to
		i.StateHistory = append(i.StateHistory, types.StateTransition{State: string(to), At: time.Now(), Reason: reason})
		if err := s.store.SaveInstance(i, i.Version); err != nil {
			if orcherr.Is(err, orcherr.Conflict) {
				last = err
				continue
			}
			return nil, err
		}
		return i, nil
	}
	return nil, orcherr.Wrap(orcherr.Conflict, last, "instance %s update exceeded retry budget", instanceID)
}

// Create persists a new instance in PENDING.
func (s *Service) Create(i *types.LabletInstance) error {
	if i.State == "" {
		i.State = types.InstancePending
	}
	if i.State != types.InstancePending {
		return orcherr.New(orcherr.InvalidArgument, "new instance must start PENDING, got %s", i.State)
	}
	i.CreatedAt = time.Now()
	i.StateHistory = []types.StateTransition{{State: string(i.State), At: i.CreatedAt, Reason: "created"}}
	return s.store.SaveInstance(i, 0)
}

// Schedule binds the instance to workerID and reserves capacity on the
// worker in the same command (PENDING -> SCHEDULED).
func (s *Service) Schedule(instanceID, workerID string, need types.ResourceRequirements) error {
	if err := s.worker.ReserveCapacity(workerID, need); err != nil {
		return err
	}
	_, err := s.mutate(instanceID, types.InstanceScheduled, "scheduled", func(i *types.LabletInstance) error {
		i.WorkerID = workerID
		return nil
	})
	if err != nil {
		if releaseErr := s.worker.ReleaseCapacity(workerID, need); releaseErr != nil {
			s.logger.Error().Err(releaseErr).Str("worker_id", workerID).Msg("failed to release capacity after failed schedule")
		}
	}
	return err
}

// BeginInstantiation allocates ports for the placeholders and transitions
// SCHEDULED -> INSTANTIATING.
func (s *Service) BeginInstantiation(instanceID string, placeholders []types.PortPlaceholder) (map[string]int, error) {
	i, err := s.store.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}
	ports, err := s.ports.Allocate(i.WorkerID, instanceID, placeholders)
	if err != nil {
		return nil, err
	}
	_, err = s.mutate(instanceID, types.InstanceInstantiating, "pipeline started", func(i *types.LabletInstance) error {
		i.AllocatedPorts = ports
		return nil
	})
	if err != nil {
		if relErr := s.ports.Release(i.WorkerID, instanceID); relErr != nil {
			s.logger.Error().Err(relErr).Str("instance_id", instanceID).Msg("failed to release ports after failed instantiation transition")
		}
		return nil, err
	}
	return ports, nil
}

// MarkRunning records lab_id and transitions INSTANTIATING -> RUNNING.
func (s *Service) MarkRunning(instanceID, labID string) error {
	_, err := s.mutate(instanceID, types.InstanceRunning, "lab started", func(i *types.LabletInstance) error {
		i.LabID = labID
		return nil
	})
	return err
}

// FailInstantiation transitions INSTANTIATING -> TERMINATED after the
// pipeline exhausts retries, releasing the bound worker's ports and
// reserved capacity in the same store write as the terminal transition.
func (s *Service) FailInstantiation(instanceID, reason string, need types.ResourceRequirements) error {
	return s.terminateReleasing(instanceID, reason, need)
}

// BeginCollection transitions RUNNING -> COLLECTING on a manual/API
// collection trigger.
func (s *Service) BeginCollection(instanceID string) error {
	_, err := s.mutate(instanceID, types.InstanceCollecting, "collection requested", nil)
	return err
}

// BeginGrading transitions RUNNING or COLLECTING -> GRADING on
// assessment.collection.completed.
func (s *Service) BeginGrading(instanceID string) error {
	_, err := s.mutate(instanceID, types.InstanceGrading, "assessment.collection.completed", nil)
	return err
}

// RecordGrade stores the grading score and transitions GRADING ->
// STOPPING on assessment.grading.completed.
func (s *Service) RecordGrade(instanceID string, score float64) error {
	_, err := s.mutate(instanceID, types.InstanceStopping, "assessment.grading.completed", func(i *types.LabletInstance) error {
		i.GradingScore = &score
		return nil
	})
	return err
}

// RequestStop transitions RUNNING or COLLECTING to STOPPING, e.g. once
// the scheduler observes the instance's timeslot has ended.
func (s *Service) RequestStop(instanceID, reason string) error {
	_, err := s.mutate(instanceID, types.InstanceStopping, reason, nil)
	return err
}

// MarkStopped transitions STOPPING -> STOPPED once the lab host confirms
// the lab has stopped.
func (s *Service) MarkStopped(instanceID string) error {
	_, err := s.mutate(instanceID, types.InstanceStopped, "lab stopped", nil)
	return err
}

// Archive transitions STOPPED -> ARCHIVED post-grading or on TTL.
func (s *Service) Archive(instanceID string) error {
	_, err := s.mutate(instanceID, types.InstanceArchived, "archived", nil)
	return err
}

// Terminate transitions any non-terminal state to TERMINATED, releasing
// the bound worker's ports and reserved capacity (if any) in the same
// store write as the terminal transition.
func (s *Service) Terminate(instanceID, reason string, need types.ResourceRequirements) error {
	return s.terminateReleasing(instanceID, reason, need)
}

// terminateReleasing loads instanceID, transitions it to TERMINATED, and
// saves it together with the release of its bound worker's ports and
// reserved capacity as one atomic store write, retrying the whole
// load-mutate-save on a version conflict exactly like mutate does.
func (s *Service) terminateReleasing(instanceID, reason string, need types.ResourceRequirements) error {
	var last error
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		i, err := s.store.GetInstance(instanceID)
		if err != nil {
			return err
		}
		if !allowed(i.State, types.InstanceTerminated) {
			return orcherr.New(orcherr.InvalidTransition, "instance %s cannot go %s -> %s", instanceID, i.State, types.InstanceTerminated)
		}
		i.State = types.InstanceTerminated
		i.StateHistory = append(i.StateHistory, types.StateTransition{State: string(types.InstanceTerminated), At: time.Now(), Reason: reason})
		if err := s.store.SaveInstanceReleasingWorker(i, i.Version, i.WorkerID, need); err != nil {
			if orcherr.Is(err, orcherr.Conflict) {
				last = err
				continue
			}
			return err
		}
		return nil
	}
	return orcherr.Wrap(orcherr.Conflict, last, "instance %s update exceeded retry budget", instanceID)
}
