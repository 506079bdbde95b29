// Package worker implements the Worker aggregate (C5): the compute-node
// record backing a cloud VM that hosts labs via a lab-host API. All
// mutations are load-mutate-save against pkg/storage, CAS-retried on
// conflict, with no Raft round trip since aggregate writes go through
// the bbolt store directly.
//
// The state machine (S_W) is PENDING -> PROVISIONING -> RUNNING ->
// DRAINING -> STOPPING -> STOPPED -> TERMINATED, with DRAINING ->
// RUNNING (operator cancel) and RUNNING/STOPPED -> TERMINATED (admin
// terminate) as the only other edges. CancelDrain and ForceStop race on
// the same worker: whichever CAS commits first wins, and the loser's
// save fails with Conflict; CancelDrain does not retry past a conflict,
// it surfaces the current status instead.
package worker
