/*
Package metrics registers Prometheus metrics for the orchestration engine
and exposes a liveness/readiness/health HTTP surface.

Metrics are package-level prometheus.Collector values registered once at
init; the Timer helper records a duration from NewTimer to
ObserveDuration/ObserveDurationVec. Components call RegisterComponent /
UpdateComponent to drive GetHealth / GetReadiness for the /health, /ready
and /live endpoints the CLI's `serve` command mounts.
*/
package metrics
