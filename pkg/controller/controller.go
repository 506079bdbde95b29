package controller

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/cmlfleet/pkg/audit"
	"github.com/cuemby/cmlfleet/pkg/cloudadapter"
	"github.com/cuemby/cmlfleet/pkg/config"
	"github.com/cuemby/cmlfleet/pkg/coordination"
	"github.com/cuemby/cmlfleet/pkg/events"
	"github.com/cuemby/cmlfleet/pkg/instance"
	"github.com/cuemby/cmlfleet/pkg/log"
	"github.com/cuemby/cmlfleet/pkg/metrics"
	"github.com/cuemby/cmlfleet/pkg/storage"
	"github.com/cuemby/cmlfleet/pkg/types"
	"github.com/cuemby/cmlfleet/pkg/worker"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const leaseName = "controller"
const actor = "controller"

// Controller sizes the worker fleet to demand while it holds the
// controller lease. It is stateless between cycles except for the set
// of scale-up hints accumulated since the last one.
type Controller struct {
	store     storage.Store
	coord     *coordination.Coordinator
	bus       *events.Broker
	instances *instance.Service
	workers   *worker.Service
	cloud     cloudadapter.Adapter
	cfg       *config.Config
	leaseTTL  time.Duration
	nodeID    string
	logger    zerolog.Logger

	sub     events.Subscriber
	hintsMu sync.Mutex
	hints   map[string]struct{} // pending LabletDefinition ids

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Controller.
func New(store storage.Store, coord *coordination.Coordinator, bus *events.Broker, instances *instance.Service, workers *worker.Service, cloud cloudadapter.Adapter, cfg *config.Config, nodeID string) *Controller {
	return &Controller{
		store:     store,
		coord:     coord,
		bus:       bus,
		instances: instances,
		workers:   workers,
		cloud:     cloud,
		cfg:       cfg,
		leaseTTL:  cfg.Leader.LeaseTTL,
		nodeID:    nodeID,
		logger:    log.WithComponent("controller"),
		hints:     make(map[string]struct{}),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the lease-renewal, hint-collection and reconciliation
// loops.
func (c *Controller) Start() {
	c.sub = c.bus.Subscribe(256)
	go c.collectHints()
	go c.renewLease()
	go c.run()
}

// Stop signals every loop to exit and waits for the reconciliation loop
// to finish its current cycle.
func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.doneCh
	c.bus.Unsubscribe(c.sub)
}

func (c *Controller) collectHints() {
	for {
		select {
		case evt, ok := <-c.sub:
			if !ok {
				return
			}
			if evt.Type != events.ScaleUpHint {
				continue
			}
			defID := evt.Metadata["definition_id"]
			if defID == "" {
				continue
			}
			c.hintsMu.Lock()
			c.hints[defID] = struct{}{}
			c.hintsMu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Controller) drainHints() []string {
	c.hintsMu.Lock()
	defer c.hintsMu.Unlock()
	out := make([]string, 0, len(c.hints))
	for id := range c.hints {
		out = append(out, id)
	}
	c.hints = make(map[string]struct{})
	return out
}

func (c *Controller) renewLease() {
	ticker := time.NewTicker(c.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			held := 0.0
			if _, err := c.coord.AcquireLease(leaseName, c.nodeID, c.leaseTTL, time.Now()); err == nil {
				held = 1.0
			}
			metrics.LeaderHeld.WithLabelValues(leaseName).Set(held)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Controller) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.cfg.Controller.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !c.coord.HasLease(leaseName, c.nodeID, time.Now()) {
				continue
			}
			c.runCycle(context.Background())
		case <-c.stopCh:
			return
		}
	}
}

// AcquireLease takes the controller lease for this node directly,
// bypassing the renewal ticker — used by the CLI's one-shot run-once
// command, which has no background loop to renew it.
func (c *Controller) AcquireLease(now time.Time) error {
	_, err := c.coord.AcquireLease(leaseName, c.nodeID, c.leaseTTL, now)
	return err
}

// RunOnce performs a single scale-up/scale-down/warm-floor pass outside
// the ticker loop, for the CLI's "controller run-once" operator
// command. It still honors the lease: a non-leader call is a no-op.
func (c *Controller) RunOnce(ctx context.Context) {
	if !c.coord.HasLease(leaseName, c.nodeID, time.Now()) {
		c.logger.Warn().Msg("run-once skipped: lease not held by this node")
		return
	}
	c.runCycle(ctx)
}

func (c *Controller) runCycle(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.ReconciliationDuration, "controller")
		metrics.ReconciliationCyclesTotal.WithLabelValues("controller").Inc()
	}()

	if err := c.scaleUp(ctx); err != nil {
		c.logger.Error().Err(err).Msg("scale-up phase failed")
	}
	if err := c.scaleDown(); err != nil {
		c.logger.Error().Err(err).Msg("scale-down phase failed")
	}
	if err := c.warmFloor(ctx); err != nil {
		c.logger.Error().Err(err).Msg("warm-floor phase failed")
	}
}

// scaleUp provisions one worker per template a pending scale-up hint
// resolves to, deduplicated by counting that template's existing
// PENDING/PROVISIONING workers before requesting another.
func (c *Controller) scaleUp(ctx context.Context) error {
	defIDs := c.drainHints()
	if len(defIDs) == 0 {
		return nil
	}

	templates, err := c.store.ListTemplates()
	if err != nil {
		return err
	}
	workers, err := c.store.ListWorkers()
	if err != nil {
		return err
	}

	requested := make(map[string]bool)
	for _, defID := range defIDs {
		def, err := c.store.GetDefinition(defID)
		if err != nil {
			c.logger.Warn().Err(err).Str("definition_id", defID).Msg("scale-up hint referenced an unknown definition")
			continue
		}

		tmpl := matchTemplate(templates, def)
		if tmpl == nil {
			c.logger.Warn().Str("definition_id", defID).Msg("no worker template can satisfy this definition's requirements")
			continue
		}
		if requested[tmpl.Name] {
			continue
		}
		if countByTemplate(workers, tmpl.Name, types.WorkerPending, types.WorkerProvisioning) > 0 {
			continue
		}

		if err := c.provision(ctx, tmpl); err != nil {
			c.logger.Error().Err(err).Str("template", tmpl.Name).Msg("failed to provision worker")
			continue
		}
		requested[tmpl.Name] = true
	}
	return nil
}

// matchTemplate returns the first worker template whose license pool,
// declared capacity and AMI pattern can host def, or nil.
func matchTemplate(templates []*types.WorkerTemplate, def *types.LabletDefinition) *types.WorkerTemplate {
	for _, t := range templates {
		if !def.HasLicense(t.LicenseType) {
			continue
		}
		if !t.Capacity.Fits(def.ResourceRequirements) {
			continue
		}
		if def.AMIPattern != "" && t.AMIPattern != def.AMIPattern {
			continue
		}
		return t
	}
	return nil
}

func countByTemplate(workers []*types.Worker, template string, statuses ...types.WorkerStatus) int {
	n := 0
	for _, w := range workers {
		if w.TemplateName != template {
			continue
		}
		for _, s := range statuses {
			if w.Status == s {
				n++
				break
			}
		}
	}
	return n
}

func (c *Controller) provision(ctx context.Context, tmpl *types.WorkerTemplate) error {
	region := ""
	if len(tmpl.Regions) > 0 {
		region = tmpl.Regions[0]
	}

	w := &types.Worker{
		ID:               tmpl.Name + "-" + uuid.New().String(),
		TemplateName:     tmpl.Name,
		Region:           region,
		InstanceType:     tmpl.InstanceType,
		DeclaredCapacity: tmpl.Capacity,
		PortRange:        tmpl.PortRange,
		LicenseState:     tmpl.LicenseType,
		Tags:             tmpl.DefaultTags,
		CreatedAt:        time.Now(),
	}
	if err := c.workers.Create(w); err != nil {
		return err
	}

	providerID, err := c.cloud.CreateInstance(ctx, cloudadapter.InstanceSpec{
		TemplateName: tmpl.Name,
		InstanceType: tmpl.InstanceType,
		Region:       region,
		AMIPattern:   tmpl.AMIPattern,
		Tags:         tmpl.DefaultTags,
	})
	if err != nil {
		return err
	}
	if err := c.workers.MarkProvisioning(w.ID, providerID); err != nil {
		return err
	}

	metrics.ScalingActionsTotal.WithLabelValues("scale_up", tmpl.Name).Inc()
	c.audit("scale_up", "scale_up_hint", w.ID, tmpl.Name)
	return nil
}

// scaleDown drains idle workers, stops drained workers with no
// remaining instances, and force-stops workers that overstay their
// drain timeout, terminating whatever is still bound to them.
func (c *Controller) scaleDown() error {
	workers, err := c.store.ListWorkers()
	if err != nil {
		return err
	}
	instances, err := c.store.ListInstances()
	if err != nil {
		return err
	}

	c.forceStopTimedOutDrains(workers, instances)

	workers, err = c.store.ListWorkers()
	if err != nil {
		return err
	}

	for _, w := range workers {
		switch w.Status {
		case types.WorkerRunning:
			if c.isDrainCandidate(w, workers, instances) {
				if err := c.workers.StartDrain(w.ID); err != nil {
					c.logger.Error().Err(err).Str("worker_id", w.ID).Msg("failed to start drain")
					continue
				}
				metrics.ScalingActionsTotal.WithLabelValues("drain", w.TemplateName).Inc()
				c.audit("drain", "idle", w.ID, w.TemplateName)
			}
		case types.WorkerDraining:
			if len(w.InstanceIDs) == 0 {
				if err := c.workers.MarkStopping(w.ID); err != nil {
					c.logger.Error().Err(err).Str("worker_id", w.ID).Msg("failed to stop drained worker")
					continue
				}
				metrics.ScalingActionsTotal.WithLabelValues("stop", w.TemplateName).Inc()
				c.audit("stop", "drain_complete", w.ID, w.TemplateName)
			}
		}
	}
	return nil
}

func (c *Controller) forceStopTimedOutDrains(workers []*types.Worker, instances []*types.LabletInstance) {
	stopped := c.workers.CheckDrainTimeouts(workers, func(w *types.Worker) time.Duration {
		return c.cfg.DrainTimeoutFor(w.TemplateName)
	})
	for _, workerID := range stopped {
		for _, inst := range instances {
			if inst.WorkerID != workerID || isTerminal(inst.State) {
				continue
			}
			def, err := c.store.GetDefinition(inst.DefinitionID)
			need := types.ResourceRequirements{}
			if err == nil {
				need = def.ResourceRequirements
			}
			if err := c.instances.Terminate(inst.ID, "drain_forced", need); err != nil {
				c.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("failed to terminate instance on forced drain")
			}
		}
		c.audit("force_stop", "drain_timeout", workerID, templateOf(workers, workerID))
	}
}

func templateOf(workers []*types.Worker, workerID string) string {
	for _, w := range workers {
		if w.ID == workerID {
			return w.TemplateName
		}
	}
	return ""
}

func isTerminal(s types.InstanceState) bool {
	return s == types.InstanceArchived || s == types.InstanceTerminated
}

// isDrainCandidate reports whether w can be safely drained: it hosts no
// active instances, no SCHEDULED instance is bound to it, and no
// not-yet-placed instance due within the scale-down grace window can
// only be placed on w.
func (c *Controller) isDrainCandidate(w *types.Worker, workers []*types.Worker, instances []*types.LabletInstance) bool {
	if len(w.InstanceIDs) > 0 {
		return false
	}
	for _, inst := range instances {
		if inst.WorkerID == w.ID && inst.State == types.InstanceScheduled {
			return false
		}
	}

	deadline := time.Now().Add(c.cfg.Controller.ScaleDownGrace)
	for _, inst := range instances {
		if inst.State != types.InstancePending {
			continue
		}
		if inst.TimeslotStart != nil && inst.TimeslotStart.After(deadline) {
			continue
		}
		def, err := c.store.GetDefinition(inst.DefinitionID)
		if err != nil {
			continue
		}
		if !fitsWorker(def, w) {
			continue
		}
		if onlyFitsHere(def, w, workers) {
			return false
		}
	}
	return true
}

func fitsWorker(def *types.LabletDefinition, w *types.Worker) bool {
	if w.Status != types.WorkerRunning {
		return false
	}
	if !def.HasLicense(w.LicenseState) {
		return false
	}
	if !w.DeclaredCapacity.Sub(w.AllocatedCapacity).Fits(def.ResourceRequirements) {
		return false
	}
	if w.FreePorts() < len(def.PortTemplate) {
		return false
	}
	return true
}

func onlyFitsHere(def *types.LabletDefinition, candidate *types.Worker, workers []*types.Worker) bool {
	for _, w := range workers {
		if w.ID == candidate.ID || w.Status == types.WorkerDraining {
			continue
		}
		if fitsWorker(def, w) {
			return false
		}
	}
	return true
}

// warmFloor tops up each template whose count of RUNNING, STOPPED,
// PROVISIONING and PENDING workers has fallen below the configured
// minimum. It always provisions fresh workers; STOPPED workers are
// counted but never restarted.
func (c *Controller) warmFloor(ctx context.Context) error {
	templates, err := c.store.ListTemplates()
	if err != nil {
		return err
	}
	workers, err := c.store.ListWorkers()
	if err != nil {
		return err
	}

	for _, tmpl := range templates {
		floor := c.cfg.WarmFloorFor(tmpl.Name)
		if floor <= 0 {
			continue
		}
		warm := countByTemplate(workers, tmpl.Name, types.WorkerRunning, types.WorkerStopped, types.WorkerProvisioning, types.WorkerPending)
		for i := warm; i < floor; i++ {
			if err := c.provision(ctx, tmpl); err != nil {
				c.logger.Error().Err(err).Str("template", tmpl.Name).Msg("failed to top up warm floor")
				break
			}
		}
	}
	return nil
}

func (c *Controller) audit(action, reason string, workerID, template string) {
	entry := &audit.Entry{
		Timestamp: time.Now(),
		Action:    action,
		Refs:      []string{workerID},
		Reason:    reason,
		Actor:     actor,
	}
	if template != "" {
		entry.Refs = append(entry.Refs, template)
	}
	if err := c.store.AppendAudit(entry); err != nil {
		c.logger.Error().Err(err).Str("action", action).Msg("failed to append audit entry")
	}
}
