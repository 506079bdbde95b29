package metrics

import (
	"time"

	"github.com/cuemby/cmlfleet/pkg/types"
)

// WorkerLister is the read surface the collector needs from the aggregate
// store to compute fleet gauges.
type WorkerLister interface {
	ListWorkers() ([]*types.Worker, error)
}

// InstanceLister is the read surface the collector needs to compute
// instance-state gauges.
type InstanceLister interface {
	ListInstances() ([]*types.LabletInstance, error)
}

// LeaseHolder reports whether this process currently holds a named lease.
type LeaseHolder interface {
	IsLeader(lease string) bool
}

// Collector periodically recomputes fleet-wide gauges from the aggregate
// store.
type Collector struct {
	workers   WorkerLister
	instances InstanceLister
	leases    LeaseHolder
	stopCh    chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(workers WorkerLister, instances InstanceLister, leases LeaseHolder) *Collector {
	return &Collector{
		workers:   workers,
		instances: instances,
		leases:    leases,
		stopCh:    make(chan struct{}),
	}
}

// Start begins collecting metrics every 15s until Stop is called.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectWorkerMetrics()
	c.collectInstanceMetrics()
	c.collectLeaseMetrics()
}

func (c *Collector) collectWorkerMetrics() {
	workers, err := c.workers.ListWorkers()
	if err != nil {
		return
	}

	counts := make(map[string]map[string]int)
	for _, w := range workers {
		if counts[w.TemplateName] == nil {
			counts[w.TemplateName] = make(map[string]int)
		}
		counts[w.TemplateName][string(w.Status)]++
		WorkerPortsFree.WithLabelValues(w.ID).Set(float64(w.FreePorts()))
	}
	for template, statuses := range counts {
		for status, n := range statuses {
			WorkersTotal.WithLabelValues(template, status).Set(float64(n))
		}
	}
}

func (c *Collector) collectInstanceMetrics() {
	instances, err := c.instances.ListInstances()
	if err != nil {
		return
	}

	counts := make(map[types.InstanceState]int)
	for _, i := range instances {
		counts[i.State]++
	}
	for state, n := range counts {
		InstancesTotal.WithLabelValues(string(state)).Set(float64(n))
	}
}

func (c *Collector) collectLeaseMetrics() {
	for _, lease := range []string{"scheduler", "controller"} {
		if c.leases.IsLeader(lease) {
			LeaderHeld.WithLabelValues(lease).Set(1)
		} else {
			LeaderHeld.WithLabelValues(lease).Set(0)
		}
	}
}
