/*
Package portalloc is the Port Allocator (C4). Allocation and release are
both load-mutate-save against the Worker aggregate in pkg/storage: the
allocator holds no state of its own, serializing concurrent callers via
the aggregate store's CAS rather than a lock, retrying a bounded number
of times on conflict before surfacing one.

First-fit scans the worker's configured port range in ascending order
and takes the first n free ports, matching the deterministic placement
the allocator's scenarios assume.
*/
package portalloc
