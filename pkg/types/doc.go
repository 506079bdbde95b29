/*
Package types defines the aggregate and value-object schemas shared across
the orchestration engine: LabletDefinition, LabletInstance, Worker and
WorkerTemplate.

# Aggregates

LabletDefinition is immutable once PUBLISHED: a lab topology template with
resource requirements, a port template, and a license affinity.

LabletInstance is a reservation of a definition on a worker. Its state
machine (S_I) is PENDING -> SCHEDULED -> INSTANTIATING -> RUNNING ->
COLLECTING -> GRADING -> STOPPING -> STOPPED -> ARCHIVED, with TERMINATED
reachable from any non-terminal state.

Worker is a cloud VM hosting labs. Its state machine (S_W) is PENDING ->
PROVISIONING -> RUNNING -> DRAINING -> STOPPING -> STOPPED -> TERMINATED.

Every aggregate carries a monotonic Version used by pkg/storage for
optimistic concurrency; no in-memory object graph crosses an aggregate
boundary, only ids.
*/
package types
