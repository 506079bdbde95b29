package coordination

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyCmd(t *testing.T, f *coordFSM, op string, data any) interface{} {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	payload, err := json.Marshal(Command{Op: op, Data: raw})
	require.NoError(t, err)
	return f.Apply(&raft.Log{Data: payload})
}

func TestAcquireLeaseFreshAndRenew(t *testing.T) {
	f := newCoordFSM()
	now := time.Unix(1000, 0)

	resp := applyCmd(t, f, opAcquireLease, acquireLeaseReq{Name: "scheduler", Holder: "node-a", TTL: 15 * time.Second, NowUnix: now.Unix()})
	lease, ok := resp.(*Lease)
	require.True(t, ok)
	assert.Equal(t, uint64(1), lease.Epoch)
	assert.True(t, f.hasLease("scheduler", "node-a", now))

	resp = applyCmd(t, f, opAcquireLease, acquireLeaseReq{Name: "scheduler", Holder: "node-a", TTL: 15 * time.Second, NowUnix: now.Add(5 * time.Second).Unix()})
	renewed, ok := resp.(*Lease)
	require.True(t, ok)
	assert.Equal(t, uint64(1), renewed.Epoch, "renewal by the same holder keeps the epoch")
}

func TestAcquireLeaseRejectsOtherHolderUntilExpiry(t *testing.T) {
	f := newCoordFSM()
	now := time.Unix(1000, 0)

	applyCmd(t, f, opAcquireLease, acquireLeaseReq{Name: "scheduler", Holder: "node-a", TTL: 15 * time.Second, NowUnix: now.Unix()})

	resp := applyCmd(t, f, opAcquireLease, acquireLeaseReq{Name: "scheduler", Holder: "node-b", TTL: 15 * time.Second, NowUnix: now.Add(time.Second).Unix()})
	assert.Nil(t, resp, "lease held by node-a must not transfer to node-b before expiry")

	afterExpiry := now.Add(20 * time.Second)
	resp = applyCmd(t, f, opAcquireLease, acquireLeaseReq{Name: "scheduler", Holder: "node-b", TTL: 15 * time.Second, NowUnix: afterExpiry.Unix()})
	lease, ok := resp.(*Lease)
	require.True(t, ok)
	assert.Equal(t, "node-b", lease.Holder)
	assert.Equal(t, uint64(2), lease.Epoch, "transfer bumps the fencing epoch")
}

func TestReleaseLease(t *testing.T) {
	f := newCoordFSM()
	now := time.Unix(1000, 0)

	applyCmd(t, f, opAcquireLease, acquireLeaseReq{Name: "controller", Holder: "node-a", TTL: 15 * time.Second, NowUnix: now.Unix()})
	require.True(t, f.hasLease("controller", "node-a", now))

	applyCmd(t, f, opReleaseLease, releaseLeaseReq{Name: "controller", Holder: "node-a"})
	assert.False(t, f.hasLease("controller", "node-a", now))
}

func TestMarkProcessedDedup(t *testing.T) {
	f := newCoordFSM()
	now := time.Unix(1000, 0)

	applyCmd(t, f, opMarkProcessed, markProcessedReq{EventID: "evt-1", TTL: 24 * time.Hour, NowUnix: now.Unix()})
	assert.True(t, f.wasProcessed("evt-1", now.Add(time.Hour)))
	assert.False(t, f.wasProcessed("evt-1", now.Add(25*time.Hour)), "dedup window must expire")
	assert.False(t, f.wasProcessed("evt-2", now))
}
