// Package storage implements the Aggregate Store (C3): document persistence
// for LabletDefinition, LabletInstance, Worker and WorkerTemplate, with
// optimistic concurrency on every save and domain-event publication on
// every successful commit.
package storage

import (
	"github.com/cuemby/cmlfleet/pkg/audit"
	"github.com/cuemby/cmlfleet/pkg/types"
)

// Store is the aggregate-persistence surface every component depends on.
// Every mutating method follows load-mutate-save: callers read the current
// version, build the new state, and pass the version they read back in;
// Save fails with orcherr.Conflict if it no longer matches.
type Store interface {
	// Definitions
	SaveDefinition(def *types.LabletDefinition, expectedStoreVersion uint64) error
	GetDefinition(id string) (*types.LabletDefinition, error)
	ListDefinitions() ([]*types.LabletDefinition, error)
	DeleteDefinition(id string) error

	// Instances
	SaveInstance(inst *types.LabletInstance, expectedVersion uint64) error
	GetInstance(id string) (*types.LabletInstance, error)
	ListInstances() ([]*types.LabletInstance, error)
	ListInstancesByWorker(workerID string) ([]*types.LabletInstance, error)
	DeleteInstance(id string) error

	// SaveInstanceReleasingWorker saves inst (the same optimistic CAS as
	// SaveInstance) and, in the same transaction, strips instanceID's
	// port allocation from workerID and subtracts need from its
	// allocated capacity. workerID == "" skips the worker side entirely.
	// Instance aggregate commands use this instead of a separate
	// SaveWorker call for every terminal transition, so a crash between
	// releasing a worker's resources and recording the instance as
	// TERMINATED can never happen.
	SaveInstanceReleasingWorker(inst *types.LabletInstance, expectedVersion uint64, workerID string, need types.ResourceRequirements) error

	// Workers
	SaveWorker(w *types.Worker, expectedVersion uint64) error
	GetWorker(id string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	DeleteWorker(id string) error

	// Worker templates (not versioned; seeded from config, not mutated by
	// aggregate commands)
	SaveTemplate(t *types.WorkerTemplate) error
	GetTemplate(name string) (*types.WorkerTemplate, error)
	ListTemplates() ([]*types.WorkerTemplate, error)

	// Audit log
	AppendAudit(entry *audit.Entry) error
	ListAudit(limit int) ([]*audit.Entry, error)

	Close() error
}
