/*
Package storage is the Aggregate Store (C3): bbolt-backed document
persistence for every aggregate, one bucket per collection, keyed by
aggregate id.

Save is a compare-and-swap against the caller-supplied expected version;
a mismatch surfaces orcherr.Conflict and increments
metrics.AggregateSaveConflictsTotal without writing. A successful commit
publishes the aggregate's event on the broker — save is the only path
that does so, matching the rule that no save means no event.
*/
package storage
