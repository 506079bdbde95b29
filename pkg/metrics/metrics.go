// Package metrics exposes prometheus counters, gauges and histograms for
// the orchestration engine's aggregates and reconciliation loops.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker fleet metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_workers_total",
			Help: "Total number of workers by template and status",
		},
		[]string{"template", "status"},
	)

	WorkerPortsFree = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_worker_ports_free",
			Help: "Free ports remaining per worker",
		},
		[]string{"worker_id"},
	)

	// Instance metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_instances_total",
			Help: "Total number of lablet instances by state",
		},
		[]string{"state"},
	)

	InstancesTerminatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_instances_terminated_total",
			Help: "Total terminated instances by reason",
		},
		[]string{"reason"},
	)

	// Leader election
	LeaderHeld = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_leader_held",
			Help: "Whether this process holds the named lease (1) or not (0)",
		},
		[]string{"lease"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_scheduling_latency_seconds",
			Help:    "Time taken to place one instance in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	InstancesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_instances_scheduled_total",
			Help: "Total number of instances placed onto a worker",
		},
	)

	ScaleUpHintsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_scale_up_hints_total",
			Help: "Total scale-up hints emitted, by template",
		},
		[]string{"template"},
	)

	// Controller metrics
	ReconciliationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"loop"},
	)

	ReconciliationCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
		[]string{"loop"},
	)

	ScalingActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_scaling_actions_total",
			Help: "Total scaling actions taken, by action and template",
		},
		[]string{"action", "template"},
	)

	// Port allocator
	PortAllocationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_port_allocation_failures_total",
			Help: "Total port allocation failures by worker",
		},
		[]string{"worker_id"},
	)

	PortAllocationConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_port_allocation_conflicts_total",
			Help: "Total CAS conflicts retried by the port allocator",
		},
	)

	// Instantiation pipeline
	PipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_pipeline_stage_duration_seconds",
			Help:    "Time taken per instantiation pipeline stage in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	PipelineFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_pipeline_failures_total",
			Help: "Total instantiation pipeline failures by stage",
		},
		[]string{"stage"},
	)

	// SSE relay
	SSESubscribersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_sse_subscribers_active",
			Help: "Currently connected SSE subscribers",
		},
	)

	SSEDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_sse_dropped_total",
			Help: "Total subscribers dropped due to queue overflow",
		},
	)

	// CloudEvents
	CloudEventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_cloudevents_published_total",
			Help: "Total outbound CloudEvents published by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	CloudEventsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_cloudevents_received_total",
			Help: "Total inbound CloudEvents received by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// Aggregate store
	AggregateSaveConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_aggregate_save_conflicts_total",
			Help: "Total optimistic concurrency conflicts on aggregate save",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersTotal,
		WorkerPortsFree,
		InstancesTotal,
		InstancesTerminatedTotal,
		LeaderHeld,
		SchedulingLatency,
		InstancesScheduled,
		ScaleUpHintsTotal,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		ScalingActionsTotal,
		PortAllocationFailuresTotal,
		PortAllocationConflictsTotal,
		PipelineStageDuration,
		PipelineFailuresTotal,
		SSESubscribersActive,
		SSEDroppedTotal,
		CloudEventsPublishedTotal,
		CloudEventsReceivedTotal,
		AggregateSaveConflictsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
