package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/cmlfleet/pkg/config"
	"github.com/cuemby/cmlfleet/pkg/coordination"
	"github.com/cuemby/cmlfleet/pkg/events"
	"github.com/cuemby/cmlfleet/pkg/instance"
	"github.com/cuemby/cmlfleet/pkg/log"
	"github.com/cuemby/cmlfleet/pkg/metrics"
	"github.com/cuemby/cmlfleet/pkg/orcherr"
	"github.com/cuemby/cmlfleet/pkg/pipeline"
	"github.com/cuemby/cmlfleet/pkg/storage"
	"github.com/cuemby/cmlfleet/pkg/types"
	"github.com/rs/zerolog"
)

const leaseName = "scheduler"

// Scheduler runs the placement/dispatch/reconcile loop while it holds
// the scheduler lease. It is stateless between cycles: every tick reads
// fresh state from the store.
type Scheduler struct {
	store     storage.Store
	coord     *coordination.Coordinator
	bus       *events.Broker
	instances *instance.Service
	pipe      *pipeline.Pipeline
	cfg       config.SchedulerConfig
	leaseTTL  time.Duration
	nodeID    string
	logger    zerolog.Logger

	mu          sync.Mutex
	dispatching map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Scheduler.
func New(store storage.Store, coord *coordination.Coordinator, bus *events.Broker, instances *instance.Service, pipe *pipeline.Pipeline, cfg config.SchedulerConfig, leaseTTL time.Duration, nodeID string) *Scheduler {
	return &Scheduler{
		store:       store,
		coord:       coord,
		bus:         bus,
		instances:   instances,
		pipe:        pipe,
		cfg:         cfg,
		leaseTTL:    leaseTTL,
		nodeID:      nodeID,
		logger:      log.WithComponent("scheduler"),
		dispatching: make(map[string]bool),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the lease-renewal and reconciliation loops.
func (s *Scheduler) Start() {
	go s.renewLease()
	go s.run()
}

// Stop signals both loops to exit and waits for the reconciliation loop
// to finish its current cycle.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) renewLease() {
	ticker := time.NewTicker(s.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			held := 0.0
			if _, err := s.coord.AcquireLease(leaseName, s.nodeID, s.leaseTTL, time.Now()); err == nil {
				held = 1.0
			}
			metrics.LeaderHeld.WithLabelValues(leaseName).Set(held)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.coord.HasLease(leaseName, s.nodeID, time.Now()) {
				continue
			}
			s.runCycle(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// AcquireLease takes the scheduler lease for this node directly,
// bypassing the renewal ticker — used by the CLI's one-shot run-once
// command, which has no background loop to renew it.
func (s *Scheduler) AcquireLease(now time.Time) error {
	_, err := s.coord.AcquireLease(leaseName, s.nodeID, s.leaseTTL, now)
	return err
}

// RunOnce performs a single placement/dispatch/reconcile pass outside
// the ticker loop, for the CLI's "scheduler run-once" operator command.
// It still honors the lease: a non-leader call is a no-op.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if !s.coord.HasLease(leaseName, s.nodeID, time.Now()) {
		s.logger.Warn().Msg("run-once skipped: lease not held by this node")
		return
	}
	s.runCycle(ctx)
}

// runCycle performs one placement/dispatch/reconcile pass, in that
// order.
func (s *Scheduler) runCycle(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.ReconciliationDuration, "scheduler")
		metrics.ReconciliationCyclesTotal.WithLabelValues("scheduler").Inc()
	}()

	if err := s.placement(); err != nil {
		s.logger.Error().Err(err).Msg("placement phase failed")
	}
	if err := s.dispatch(ctx); err != nil {
		s.logger.Error().Err(err).Msg("dispatch phase failed")
	}
	if err := s.reconcileAnomalies(); err != nil {
		s.logger.Error().Err(err).Msg("reconcile phase failed")
	}
}

// placement assigns PENDING instances to eligible workers, in
// (timeslot_start ASC NULLS FIRST, created_at ASC, id ASC) order, so
// that a later decision in the cycle observes the capacity and ports
// an earlier decision in the same cycle already claimed.
func (s *Scheduler) placement() error {
	pending, err := s.store.ListInstances()
	if err != nil {
		return err
	}
	pending = filterByState(pending, types.InstancePending)
	sortPending(pending)

	workers, err := s.store.ListWorkers()
	if err != nil {
		return err
	}

	reservedPorts := make(map[string]int, len(workers))

	for _, inst := range pending {
		def, err := s.store.GetDefinition(inst.DefinitionID)
		if err != nil {
			s.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("definition lookup failed; leaving instance pending")
			continue
		}

		eligible := s.eligibleWorkers(workers, def, reservedPorts)
		if len(eligible) == 0 {
			s.emitScaleUpHint(def)
			continue
		}

		picked := pickByUtilization(eligible, def.ResourceRequirements)
		timer := metrics.NewTimer()
		if err := s.instances.Schedule(inst.ID, picked.ID, def.ResourceRequirements); err != nil {
			s.logger.Error().Err(err).Str("instance_id", inst.ID).Str("worker_id", picked.ID).Msg("failed to schedule instance")
			continue
		}
		timer.ObserveDuration(metrics.SchedulingLatency)
		metrics.InstancesScheduled.Inc()

		picked.AllocatedCapacity = picked.AllocatedCapacity.Add(def.ResourceRequirements)
		reservedPorts[picked.ID] += len(def.PortTemplate)
	}
	return nil
}

// eligibleWorkers filters workers a definition could run on, accounting
// for ports this cycle has already earmarked via reservedPorts.
func (s *Scheduler) eligibleWorkers(workers []*types.Worker, def *types.LabletDefinition, reservedPorts map[string]int) []*types.Worker {
	var out []*types.Worker
	for _, w := range workers {
		if w.Status != types.WorkerRunning {
			continue
		}
		if !def.HasLicense(w.LicenseState) {
			continue
		}
		headroom := w.DeclaredCapacity.Sub(w.AllocatedCapacity)
		if !headroom.Fits(def.ResourceRequirements) {
			continue
		}
		freePorts := w.FreePorts() - reservedPorts[w.ID]
		if freePorts < len(def.PortTemplate) {
			continue
		}
		if def.AMIPattern != "" {
			tmpl, err := s.store.GetTemplate(w.TemplateName)
			if err != nil || tmpl.AMIPattern != def.AMIPattern {
				continue
			}
		}
		out = append(out, w)
	}
	return out
}

// pickByUtilization returns the eligible worker that maximizes
// post-placement utilization (cpu/memory/nodes), ties broken by
// ascending worker id.
func pickByUtilization(eligible []*types.Worker, need types.ResourceRequirements) *types.Worker {
	sort.Slice(eligible, func(i, j int) bool {
		si := utilizationScore(eligible[i], need)
		sj := utilizationScore(eligible[j], need)
		if si != sj {
			return si > sj
		}
		return eligible[i].ID < eligible[j].ID
	})
	return eligible[0]
}

func utilizationScore(w *types.Worker, need types.ResourceRequirements) float64 {
	after := w.AllocatedCapacity.Add(need)
	ratio := func(allocated, declared int64) float64 {
		if declared == 0 {
			return 1
		}
		return float64(allocated) / float64(declared)
	}
	return (ratio(int64(after.CPU), int64(w.DeclaredCapacity.CPU)) +
		ratio(after.MemoryGB, w.DeclaredCapacity.MemoryGB) +
		ratio(int64(after.Nodes), int64(w.DeclaredCapacity.Nodes))) / 3
}

func (s *Scheduler) emitScaleUpHint(def *types.LabletDefinition) {
	metrics.ScaleUpHintsTotal.WithLabelValues(def.ID).Inc()
	s.bus.Publish(&events.Event{
		ID:   def.ID + "-scale-up-" + time.Now().Format(time.RFC3339Nano),
		Type: events.ScaleUpHint,
		Metadata: map[string]string{
			"definition_id": def.ID,
			"ami_pattern":   def.AMIPattern,
		},
	})
}

// dispatch hands every SCHEDULED instance whose lead time has arrived
// to the instantiation pipeline, in its own goroutine so a slow or
// retrying pipeline run never blocks the next reconciliation tick.
func (s *Scheduler) dispatch(ctx context.Context) error {
	scheduled, err := s.store.ListInstances()
	if err != nil {
		return err
	}
	scheduled = filterByState(scheduled, types.InstanceScheduled)

	now := time.Now()
	for _, inst := range scheduled {
		due := inst.TimeslotStart == nil || inst.TimeslotStart.Sub(now) <= s.cfg.LeadTime
		if !due {
			continue
		}
		if !s.claimDispatch(inst.ID) {
			continue
		}

		def, err := s.store.GetDefinition(inst.DefinitionID)
		if err != nil {
			s.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("definition lookup failed during dispatch")
			s.releaseDispatch(inst.ID)
			continue
		}

		go func(inst *types.LabletInstance, def *types.LabletDefinition) {
			defer s.releaseDispatch(inst.ID)
			if err := s.pipe.Run(ctx, inst, def, def.ResourceRequirements); err != nil {
				s.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("instantiation pipeline failed")
			}
		}(inst, def)
	}
	return nil
}

func (s *Scheduler) claimDispatch(instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatching[instanceID] {
		return false
	}
	s.dispatching[instanceID] = true
	return true
}

func (s *Scheduler) releaseDispatch(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dispatching, instanceID)
}

// reconcileAnomalies detects and resolves three kinds of drift: stuck
// instantiations, expired timeslots, and instances bound to a worker
// that no longer exists or has been terminated.
func (s *Scheduler) reconcileAnomalies() error {
	all, err := s.store.ListInstances()
	if err != nil {
		return err
	}

	now := time.Now()
	for _, inst := range all {
		switch inst.State {
		case types.InstanceInstantiating:
			since := enteredStateAt(inst, types.InstanceInstantiating)
			if !since.IsZero() && now.Sub(since) > s.cfg.InstantiationTimeout {
				s.terminate(inst, "instantiation_timeout")
			}
		case types.InstanceRunning, types.InstanceCollecting:
			if inst.TimeslotEnd != nil && now.After(*inst.TimeslotEnd) {
				if err := s.instances.RequestStop(inst.ID, "timeslot_ended"); err != nil {
					s.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("failed to request stop for expired timeslot")
				}
			}
		}

		if inst.WorkerID == "" || isTerminal(inst.State) {
			continue
		}
		w, err := s.store.GetWorker(inst.WorkerID)
		if orcherr.Is(err, orcherr.NotFound) || (err == nil && w.Status == types.WorkerTerminated) {
			s.terminate(inst, "worker_lost")
		}
	}
	return nil
}

func (s *Scheduler) terminate(inst *types.LabletInstance, reason string) {
	def, err := s.store.GetDefinition(inst.DefinitionID)
	need := types.ResourceRequirements{}
	if err == nil {
		need = def.ResourceRequirements
	}
	if err := s.instances.Terminate(inst.ID, reason, need); err != nil {
		s.logger.Error().Err(err).Str("instance_id", inst.ID).Str("reason", reason).Msg("failed to terminate anomalous instance")
	}
}

func enteredStateAt(inst *types.LabletInstance, state types.InstanceState) time.Time {
	for i := len(inst.StateHistory) - 1; i >= 0; i-- {
		if inst.StateHistory[i].State == string(state) {
			return inst.StateHistory[i].At
		}
	}
	return time.Time{}
}

func isTerminal(s types.InstanceState) bool {
	return s == types.InstanceArchived || s == types.InstanceTerminated
}

func filterByState(instances []*types.LabletInstance, state types.InstanceState) []*types.LabletInstance {
	var out []*types.LabletInstance
	for _, i := range instances {
		if i.State == state {
			out = append(out, i)
		}
	}
	return out
}

// sortPending orders PENDING instances (timeslot_start ASC NULLS FIRST,
// created_at ASC, id ASC) for deterministic, fair placement.
func sortPending(instances []*types.LabletInstance) {
	sort.Slice(instances, func(i, j int) bool {
		a, b := instances[i], instances[j]
		ak, bk := a.TimeslotStart == nil, b.TimeslotStart == nil
		if ak != bk {
			return ak
		}
		if !ak && !a.TimeslotStart.Equal(*b.TimeslotStart) {
			return a.TimeslotStart.Before(*b.TimeslotStart)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
