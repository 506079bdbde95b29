// Package scheduler implements the Scheduler (C10): the leader-elected
// reconciliation loop that places PENDING instances onto eligible
// workers, hands SCHEDULED instances to the instantiation pipeline once
// their lead time arrives, and detects placement anomalies. A
// ticker-driven loop, stateless between cycles — it reads everything
// fresh from the store each tick — and gated by a coordination lease so
// only the current leader runs a cycle.
package scheduler
