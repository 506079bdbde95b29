package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/cmlfleet/pkg/audit"
	"github.com/cuemby/cmlfleet/pkg/events"
	"github.com/cuemby/cmlfleet/pkg/metrics"
	"github.com/cuemby/cmlfleet/pkg/orcherr"
	"github.com/cuemby/cmlfleet/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDefinitions = []byte("definitions")
	bucketInstances   = []byte("instances")
	bucketWorkers     = []byte("workers")
	bucketTemplates   = []byte("templates")
	bucketAudit       = []byte("audit")
)

// BoltStore implements Store using a single bbolt file, one bucket per
// aggregate collection. Every versioned Save performs a compare-and-swap
// against the stored version before writing, and publishes the
// aggregate's event onto the broker only after the write commits.
type BoltStore struct {
	db     *bolt.DB
	broker *events.Broker
}

// NewBoltStore opens (creating if absent) the bbolt-backed aggregate
// store under dataDir, wiring it to broker for post-commit publication.
func NewBoltStore(dataDir string, broker *events.Broker) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "orchestrator.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDefinitions, bucketInstances, bucketWorkers, bucketTemplates, bucketAudit} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, broker: broker}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func casCheck(stored uint64, expected uint64) error {
	if stored != expected {
		return orcherr.New(orcherr.Conflict, "expected version %d, store has %d", expected, stored)
	}
	return nil
}

// --- Definitions ---

func (s *BoltStore) SaveDefinition(def *types.LabletDefinition, expectedStoreVersion uint64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDefinitions)
		existing := b.Get([]byte(def.ID))
		var stored uint64
		if existing != nil {
			var cur types.LabletDefinition
			if err := json.Unmarshal(existing, &cur); err != nil {
				return err
			}
			stored = cur.StoreVersion
		}
		if err := casCheck(stored, expectedStoreVersion); err != nil {
			return err
		}
		def.StoreVersion = expectedStoreVersion + 1
		data, err := json.Marshal(def)
		if err != nil {
			return err
		}
		return b.Put([]byte(def.ID), data)
	})
	if err != nil {
		if orcherr.Is(err, orcherr.Conflict) {
			metrics.AggregateSaveConflictsTotal.WithLabelValues("definition").Inc()
		}
		return err
	}
	return nil
}

func (s *BoltStore) GetDefinition(id string) (*types.LabletDefinition, error) {
	var def types.LabletDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDefinitions)
		data := b.Get([]byte(id))
		if data == nil {
			return orcherr.New(orcherr.NotFound, "definition %s not found", id)
		}
		return json.Unmarshal(data, &def)
	})
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *BoltStore) ListDefinitions() ([]*types.LabletDefinition, error) {
	var defs []*types.LabletDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDefinitions)
		return b.ForEach(func(k, v []byte) error {
			var d types.LabletDefinition
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			defs = append(defs, &d)
			return nil
		})
	})
	return defs, err
}

func (s *BoltStore) DeleteDefinition(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDefinitions).Delete([]byte(id))
	})
}

// --- Instances ---

func (s *BoltStore) SaveInstance(inst *types.LabletInstance, expectedVersion uint64) error {
	var evt *events.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		existing := b.Get([]byte(inst.ID))
		var stored uint64
		if existing != nil {
			var cur types.LabletInstance
			if err := json.Unmarshal(existing, &cur); err != nil {
				return err
			}
			stored = cur.Version
		}
		if err := casCheck(stored, expectedVersion); err != nil {
			return err
		}
		inst.Version = expectedVersion + 1
		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(inst.ID), data); err != nil {
			return err
		}
		evt = instanceEvent(inst)
		return nil
	})
	if err != nil {
		if orcherr.Is(err, orcherr.Conflict) {
			metrics.AggregateSaveConflictsTotal.WithLabelValues("instance").Inc()
		}
		return err
	}
	if s.broker != nil && evt != nil {
		s.broker.Publish(evt)
	}
	return nil
}

// SaveInstanceReleasingWorker saves inst under the same CAS check as
// SaveInstance and, within the same bbolt transaction, removes inst.ID's
// port allocation from workerID and subtracts need from its allocated
// capacity. The worker write never retries on conflict: bbolt serializes
// all writers, so the load-mutate-put inside this single Update sees a
// consistent worker with no other writer able to interleave.
func (s *BoltStore) SaveInstanceReleasingWorker(inst *types.LabletInstance, expectedVersion uint64, workerID string, need types.ResourceRequirements) error {
	var instEvt, workerEvt *events.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		ib := tx.Bucket(bucketInstances)
		existing := ib.Get([]byte(inst.ID))
		var stored uint64
		if existing != nil {
			var cur types.LabletInstance
			if err := json.Unmarshal(existing, &cur); err != nil {
				return err
			}
			stored = cur.Version
		}
		if err := casCheck(stored, expectedVersion); err != nil {
			return err
		}
		inst.Version = expectedVersion + 1
		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		if err := ib.Put([]byte(inst.ID), data); err != nil {
			return err
		}
		instEvt = instanceEvent(inst)

		if workerID == "" {
			return nil
		}
		wb := tx.Bucket(bucketWorkers)
		wdata := wb.Get([]byte(workerID))
		if wdata == nil {
			return nil
		}
		var w types.Worker
		if err := json.Unmarshal(wdata, &w); err != nil {
			return err
		}
		releaseAllocation(&w, inst.ID, need)
		w.Version++
		wout, err := json.Marshal(&w)
		if err != nil {
			return err
		}
		if err := wb.Put([]byte(workerID), wout); err != nil {
			return err
		}
		workerEvt = workerEvent(&w)
		return nil
	})
	if err != nil {
		if orcherr.Is(err, orcherr.Conflict) {
			metrics.AggregateSaveConflictsTotal.WithLabelValues("instance").Inc()
		}
		return err
	}
	if s.broker != nil {
		if instEvt != nil {
			s.broker.Publish(instEvt)
		}
		if workerEvt != nil {
			s.broker.Publish(workerEvt)
		}
	}
	return nil
}

// releaseAllocation strips instanceID's port allocation from w and
// subtracts need from w's allocated capacity, clamping at zero.
func releaseAllocation(w *types.Worker, instanceID string, need types.ResourceRequirements) {
	remaining := w.PortAllocations[:0:0]
	for _, alloc := range w.PortAllocations {
		if alloc.InstanceID == instanceID {
			continue
		}
		remaining = append(remaining, alloc)
	}
	w.PortAllocations = remaining

	ids := w.InstanceIDs[:0:0]
	for _, id := range w.InstanceIDs {
		if id != instanceID {
			ids = append(ids, id)
		}
	}
	w.InstanceIDs = ids

	after := w.AllocatedCapacity.Sub(need)
	if after.CPU < 0 {
		after.CPU = 0
	}
	if after.MemoryGB < 0 {
		after.MemoryGB = 0
	}
	if after.StorageGB < 0 {
		after.StorageGB = 0
	}
	if after.Nodes < 0 {
		after.Nodes = 0
	}
	w.AllocatedCapacity = after
}

func instanceEvent(inst *types.LabletInstance) *events.Event {
	t := events.InstanceScheduled
	reason := ""
	if len(inst.StateHistory) > 0 {
		reason = inst.StateHistory[len(inst.StateHistory)-1].Reason
	}
	switch inst.State {
	case types.InstanceScheduled:
		t = events.InstanceScheduled
	case types.InstanceInstantiating:
		t = events.InstanceInstantiating
	case types.InstanceRunning:
		t = events.InstanceRunning
	case types.InstanceCollecting:
		t = events.InstanceCollecting
	case types.InstanceGrading:
		t = events.InstanceGrading
	case types.InstanceStopping:
		t = events.InstanceStopping
	case types.InstanceStopped:
		t = events.InstanceStopped
	case types.InstanceArchived:
		t = events.InstanceArchived
	case types.InstanceTerminated:
		t = events.InstanceTerminated
	}
	return &events.Event{
		ID:          fmt.Sprintf("%s-v%d", inst.ID, inst.Version),
		Type:        t,
		AggregateID: inst.ID,
		Version:     inst.Version,
		Reason:      reason,
	}
}

func (s *BoltStore) GetInstance(id string) (*types.LabletInstance, error) {
	var inst types.LabletInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data := b.Get([]byte(id))
		if data == nil {
			return orcherr.New(orcherr.NotFound, "instance %s not found", id)
		}
		return json.Unmarshal(data, &inst)
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *BoltStore) ListInstances() ([]*types.LabletInstance, error) {
	var insts []*types.LabletInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(k, v []byte) error {
			var i types.LabletInstance
			if err := json.Unmarshal(v, &i); err != nil {
				return err
			}
			insts = append(insts, &i)
			return nil
		})
	})
	return insts, err
}

func (s *BoltStore) ListInstancesByWorker(workerID string) ([]*types.LabletInstance, error) {
	all, err := s.ListInstances()
	if err != nil {
		return nil, err
	}
	var filtered []*types.LabletInstance
	for _, i := range all {
		if i.WorkerID == workerID {
			filtered = append(filtered, i)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteInstance(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).Delete([]byte(id))
	})
}

// --- Workers ---

func (s *BoltStore) SaveWorker(w *types.Worker, expectedVersion uint64) error {
	var evt *events.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		existing := b.Get([]byte(w.ID))
		var stored uint64
		if existing != nil {
			var cur types.Worker
			if err := json.Unmarshal(existing, &cur); err != nil {
				return err
			}
			stored = cur.Version
		}
		if err := casCheck(stored, expectedVersion); err != nil {
			return err
		}
		w.Version = expectedVersion + 1
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(w.ID), data); err != nil {
			return err
		}
		evt = workerEvent(w)
		return nil
	})
	if err != nil {
		if orcherr.Is(err, orcherr.Conflict) {
			metrics.AggregateSaveConflictsTotal.WithLabelValues("worker").Inc()
		}
		return err
	}
	if s.broker != nil && evt != nil {
		s.broker.Publish(evt)
	}
	return nil
}

func workerEvent(w *types.Worker) *events.Event {
	t := events.WorkerCreated
	switch w.Status {
	case types.WorkerPending, types.WorkerProvisioning:
		t = events.WorkerProvisioned
	case types.WorkerDraining:
		t = events.WorkerDraining
	case types.WorkerStopping:
		t = events.WorkerStopping
	case types.WorkerStopped:
		t = events.WorkerStopped
	case types.WorkerTerminated:
		t = events.WorkerTerminated
	}
	return &events.Event{
		ID:          fmt.Sprintf("%s-v%d", w.ID, w.Version),
		Type:        t,
		AggregateID: w.ID,
		Version:     w.Version,
	}
}

func (s *BoltStore) GetWorker(id string) (*types.Worker, error) {
	var w types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(id))
		if data == nil {
			return orcherr.New(orcherr.NotFound, "worker %s not found", id)
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			workers = append(workers, &w)
			return nil
		})
	})
	return workers, err
}

func (s *BoltStore) DeleteWorker(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).Delete([]byte(id))
	})
}

// --- Worker templates ---

func (s *BoltStore) SaveTemplate(t *types.WorkerTemplate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTemplates)
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put([]byte(t.Name), data)
	})
}

func (s *BoltStore) GetTemplate(name string) (*types.WorkerTemplate, error) {
	var t types.WorkerTemplate
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTemplates)
		data := b.Get([]byte(name))
		if data == nil {
			return orcherr.New(orcherr.NotFound, "worker template %s not found", name)
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) ListTemplates() ([]*types.WorkerTemplate, error) {
	var templates []*types.WorkerTemplate
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTemplates)
		return b.ForEach(func(k, v []byte) error {
			var t types.WorkerTemplate
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			templates = append(templates, &t)
			return nil
		})
	})
	return templates, err
}

// --- Audit log ---

func (s *BoltStore) AppendAudit(entry *audit.Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		for i := 7; i >= 0; i-- {
			key[i] = byte(seq)
			seq >>= 8
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListAudit(limit int) ([]*audit.Entry, error) {
	var entries []*audit.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		c := b.Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(entries) < limit); k, v = c.Prev() {
			var e audit.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, &e)
		}
		return nil
	})
	return entries, err
}
