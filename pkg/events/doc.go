/*
Package events is the in-process event bus (C1): a non-blocking pub/sub
broker that the aggregate store publishes to on every successful save, and
that the SSE relay and external CloudEvents publisher subscribe to.

Publish is synchronous into a buffered dispatch channel; broadcast to
subscribers happens on the broker's own goroutine so a slow subscriber
never blocks the aggregate store's save path. Ordering is FIFO per
aggregate id because the aggregate store only calls Publish once per
committed version, in commit order; the broker itself does not reorder.

Subscribers must be idempotent: delivery is at-least-once within a
process and not persisted across restarts, so consumers should key off
(AggregateID, Version) or Event.ID rather than assuming exactly-once.
*/
package events
