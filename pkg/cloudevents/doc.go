// Package cloudevents implements the External CloudEvents Publisher and
// Consumer (C14): it republishes every Worker/Instance/scaling domain
// event onto an external CloudEvents 1.0 sink with retry and dedup-by-id,
// and accepts inbound assessment callbacks that drive Lablet Instances
// from RUNNING or COLLECTING into GRADING and from GRADING into STOPPING. The
// outbound side reuses the instantiation pipeline's retry discipline
// (`pkg/pipeline`); the inbound dedup set is the same leader-lease-backed
// coordination store the Scheduler and Controller use for their leases.
package cloudevents
