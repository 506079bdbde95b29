// Package instance implements the Instance aggregate (C6): a reservation
// of a LabletDefinition on a Worker, carrying its own S_I state machine
// Commands are load-mutate-save against pkg/storage with
// CAS retry, the same discipline as pkg/worker. Capacity and port
// release on terminal transitions happen in the same store write as the
// transition itself (storage.Store.SaveInstanceReleasingWorker); pkg/worker
// and pkg/portalloc are called only to reserve, and to undo a failed
// Schedule or BeginInstantiation.
package instance
