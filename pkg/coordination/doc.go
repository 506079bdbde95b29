/*
Package coordination is the Coordination Store (C2): a single-node Raft
group whose FSM holds two pieces of state — named TTL leases for the
Scheduler and Controller singleton loops, and a TTL dedup set for inbound
CloudEvents ids.

Only the Raft leader may acquire a lease; AcquireLease bumps a lease's
epoch whenever it changes holder, giving callers a fencing token to
reject stale in-flight mutations after a leadership change.
*/
package coordination
