// Package coordination implements the Coordination Store (C2): leased
// keys, atomic CAS, and leader-election primitives backing the Scheduler
// and Controller's singleton-by-lease loops and the CloudEvents consumer's
// inbound dedup set.
package coordination

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Command is one entry applied to the coordination FSM's Raft log: a
// tagged {Op, Data} envelope.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opAcquireLease  = "acquire_lease"
	opReleaseLease  = "release_lease"
	opMarkProcessed = "mark_processed"
)

// Lease is a named, TTL-bound exclusive hold, acquired by a single holder
// identity (normally the process's node id).
type Lease struct {
	Name      string    `json:"name"`
	Holder    string    `json:"holder"`
	Epoch     uint64    `json:"epoch"`
	ExpiresAt time.Time `json:"expires_at"`
}

type acquireLeaseReq struct {
	Name      string        `json:"name"`
	Holder    string        `json:"holder"`
	TTL       time.Duration `json:"ttl"`
	NowUnix   int64         `json:"now_unix"`
}

type releaseLeaseReq struct {
	Name   string `json:"name"`
	Holder string `json:"holder"`
}

type markProcessedReq struct {
	EventID string `json:"event_id"`
	TTL     time.Duration `json:"ttl"`
	NowUnix int64         `json:"now_unix"`
}

// Coordinator wraps a single-node Raft group whose FSM holds leases and
// the processed-event dedup set. Leader election is Raft's own — a node
// is eligible to acquire any lease only while raft.State() == Leader,
// matching "singleton via short-lease leader election".
type Coordinator struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft *raft.Raft
	fsm  *coordFSM
}

// Config configures a Coordinator.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// New creates a Coordinator. Call Bootstrap to form (or rejoin) the
// single-node Raft group before use.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      newCoordFSM(),
	}
}

// Bootstrap initializes a single-node Raft cluster for this process,
// tuned for sub-10s failover.
func (c *Coordinator) Bootstrap() error {
	if err := os.MkdirAll(c.dataDir, 0o755); err != nil {
		return fmt.Errorf("create coordination data dir: %w", err)
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(c.nodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", c.bindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(c.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(c.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "coord-raft-log.db"))
	if err != nil {
		return fmt.Errorf("create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "coord-raft-stable.db"))
	if err != nil {
		return fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(config, c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("create raft: %w", err)
	}
	c.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		return fmt.Errorf("bootstrap raft cluster: %w", err)
	}

	return nil
}

// IsLeader reports whether this process is the Raft leader and therefore
// eligible to hold any lease.
func (c *Coordinator) IsLeader() bool {
	return c.raft != nil && c.raft.State() == raft.Leader
}

func (c *Coordinator) apply(op string, data any) (any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	cmd := Command{Op: op, Data: raw}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}

	future := c.raft.Apply(payload, 5*time.Second)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("apply %s: %w", op, err)
	}
	if resp := future.Response(); resp != nil {
		if fsmErr, ok := resp.(error); ok && fsmErr != nil {
			return nil, fsmErr
		}
		return resp, nil
	}
	return nil, nil
}

// AcquireLease attempts to acquire or renew a named lease for holder. It
// fails unless this node is the Raft leader. The first acquisition of a
// name starts at epoch 1; acquiring or renewing by the same holder keeps
// the epoch; taking the lease over from a different holder (after its
// lease expired or was released) bumps the epoch.
func (c *Coordinator) AcquireLease(name, holder string, ttl time.Duration, now time.Time) (*Lease, error) {
	if !c.IsLeader() {
		return nil, fmt.Errorf("not the coordination leader")
	}
	resp, err := c.apply(opAcquireLease, acquireLeaseReq{Name: name, Holder: holder, TTL: ttl, NowUnix: now.Unix()})
	if err != nil {
		return nil, err
	}
	lease, _ := resp.(*Lease)
	if lease == nil {
		return nil, fmt.Errorf("lease %s held by another holder", name)
	}
	return lease, nil
}

// ReleaseLease releases a lease this node holds, e.g. on graceful
// shutdown on graceful exit.
func (c *Coordinator) ReleaseLease(name, holder string) error {
	_, err := c.apply(opReleaseLease, releaseLeaseReq{Name: name, Holder: holder})
	return err
}

// HasLease reports whether holder currently holds an unexpired lease
// named name, read directly from local FSM state (no Raft round trip).
func (c *Coordinator) HasLease(name, holder string, now time.Time) bool {
	return c.fsm.hasLease(name, holder, now)
}

// MarkProcessed records an inbound event id as handled, for the
// CloudEvents consumer's dedup-by-id window (default 24h).
func (c *Coordinator) MarkProcessed(eventID string, ttl time.Duration, now time.Time) error {
	_, err := c.apply(opMarkProcessed, markProcessedReq{EventID: eventID, TTL: ttl, NowUnix: now.Unix()})
	return err
}

// WasProcessed reports whether eventID is within its dedup TTL window.
func (c *Coordinator) WasProcessed(eventID string, now time.Time) bool {
	return c.fsm.wasProcessed(eventID, now)
}

// Shutdown releases Raft resources.
func (c *Coordinator) Shutdown() error {
	if c.raft == nil {
		return nil
	}
	return c.raft.Shutdown().Error()
}

// coordFSM is the Raft FSM holding lease and dedup-set state in memory,
// dispatching Apply by Command.Op.
type coordFSM struct {
	mu        sync.RWMutex
	leases    map[string]*Lease
	processed map[string]time.Time
}

func newCoordFSM() *coordFSM {
	return &coordFSM{
		leases:    make(map[string]*Lease),
		processed: make(map[string]time.Time),
	}
}

func (f *coordFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal coordination command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opAcquireLease:
		var req acquireLeaseReq
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return err
		}
		now := time.Unix(req.NowUnix, 0)
		existing, held := f.leases[req.Name]
		if held && existing.Holder != req.Holder && existing.ExpiresAt.After(now) {
			return nil
		}
		epoch := uint64(1)
		if held && existing.Holder == req.Holder {
			epoch = existing.Epoch
		} else if held {
			epoch = existing.Epoch + 1
		}
		lease := &Lease{Name: req.Name, Holder: req.Holder, Epoch: epoch, ExpiresAt: now.Add(req.TTL)}
		f.leases[req.Name] = lease
		return lease

	case opReleaseLease:
		var req releaseLeaseReq
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return err
		}
		if existing, ok := f.leases[req.Name]; ok && existing.Holder == req.Holder {
			// Keep the entry with a zero expiry so the next holder's
			// acquisition still bumps the epoch.
			f.leases[req.Name] = &Lease{Name: existing.Name, Holder: existing.Holder, Epoch: existing.Epoch}
		}
		return nil

	case opMarkProcessed:
		var req markProcessedReq
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return err
		}
		now := time.Unix(req.NowUnix, 0)
		f.processed[req.EventID] = now.Add(req.TTL)
		return nil

	default:
		return fmt.Errorf("unknown coordination command: %s", cmd.Op)
	}
}

func (f *coordFSM) hasLease(name, holder string, now time.Time) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	l, ok := f.leases[name]
	return ok && l.Holder == holder && l.ExpiresAt.After(now)
}

func (f *coordFSM) wasProcessed(eventID string, now time.Time) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	expiry, ok := f.processed[eventID]
	return ok && expiry.After(now)
}

type coordSnapshot struct {
	Leases    map[string]*Lease    `json:"leases"`
	Processed map[string]time.Time `json:"processed"`
}

func (f *coordFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snap := &coordSnapshot{Leases: make(map[string]*Lease, len(f.leases)), Processed: make(map[string]time.Time, len(f.processed))}
	for k, v := range f.leases {
		snap.Leases[k] = v
	}
	for k, v := range f.processed {
		snap.Processed[k] = v
	}
	return snap, nil
}

func (f *coordFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap coordSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode coordination snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.leases = snap.Leases
	if f.leases == nil {
		f.leases = make(map[string]*Lease)
	}
	f.processed = snap.Processed
	if f.processed == nil {
		f.processed = make(map[string]time.Time)
	}
	return nil
}

func (s *coordSnapshot) Persist(sink raft.SnapshotSink) error {
	err := json.NewEncoder(sink).Encode(s)
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *coordSnapshot) Release() {}
