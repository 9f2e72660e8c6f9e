package coordination

import (
	"encoding/json"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

// cmdKind tags the command types the FSM knows how to apply. All state
// changes go through the raft log as one of these, mirroring Warren's
// manager package: "all state changes encapsulated as commands...
// serialized and replicated via Raft."
type cmdKind string

const (
	cmdGrant       cmdKind = "grant"
	cmdKeepAlive   cmdKind = "keepalive"
	cmdRevoke      cmdKind = "revoke"
	cmdCAS         cmdKind = "cas"
	cmdDelete      cmdKind = "delete"
	cmdTxn         cmdKind = "txn"
	cmdExpireOlder cmdKind = "expire_older" // leader-driven lease sweep
)

type command struct {
	Kind cmdKind `json:"kind"`

	LeaseID  LeaseID       `json:"lease_id,omitempty"`
	TTL      time.Duration `json:"ttl,omitempty"`
	Now      time.Time     `json:"now,omitempty"`
	Key      string        `json:"key,omitempty"`
	Expected []byte        `json:"expected,omitempty"`
	Value    []byte        `json:"value,omitempty"`
	Ops      []Op          `json:"ops,omitempty"`
}

// applyResult is what Apply returns through raft.ApplyFuture.Response().
type applyResult struct {
	err     error
	leaseID LeaseID
}

// fsmState is the FSM's replicated state: the KV map, per-key lease
// association, and lease expiry times. Every raft node applies the same
// command sequence to reach the same state.
type fsmState struct {
	mu       sync.RWMutex
	data     map[string][]byte
	keyLease map[string]LeaseID
	leases   map[LeaseID]time.Time
	nextID   int64

	broker *broker // local fan-out only; never part of the replicated log
}

func newFSMState() *fsmState {
	return &fsmState{
		data:     make(map[string][]byte),
		keyLease: make(map[string]LeaseID),
		leases:   make(map[LeaseID]time.Time),
		broker:   newBroker(),
	}
}

func (f *fsmState) Apply(log *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return applyResult{err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Kind {
	case cmdGrant:
		f.nextID++
		id := LeaseID("lease-" + strconv.FormatInt(f.nextID, 10))
		f.leases[id] = cmd.Now.Add(cmd.TTL)
		return applyResult{leaseID: id}

	case cmdKeepAlive:
		exp, ok := f.leases[cmd.LeaseID]
		if !ok {
			return applyResult{err: ErrLeaseExpired}
		}
		ttl := exp.Sub(cmd.Now)
		if ttl <= 0 {
			ttl = time.Second
		}
		f.leases[cmd.LeaseID] = cmd.Now.Add(ttl)
		return applyResult{}

	case cmdRevoke:
		delete(f.leases, cmd.LeaseID)
		f.expireKeysForLease(cmd.LeaseID)
		return applyResult{}

	case cmdExpireOlder:
		for id, exp := range f.leases {
			if cmd.Now.After(exp) {
				delete(f.leases, id)
				f.expireKeysForLease(id)
			}
		}
		return applyResult{}

	case cmdCAS:
		if err := f.applyCAS(cmd.Key, cmd.Expected, cmd.Value, cmd.LeaseID); err != nil {
			return applyResult{err: err}
		}
		return applyResult{}

	case cmdDelete:
		f.applyDelete(cmd.Key)
		return applyResult{}

	case cmdTxn:
		for _, op := range cmd.Ops {
			switch op.Kind {
			case OpPut:
				f.put(op.Key, op.Value, op.Lease)
			case OpDelete:
				f.applyDelete(op.Key)
			}
		}
		return applyResult{}
	}

	return applyResult{}
}

func (f *fsmState) expireKeysForLease(lease LeaseID) {
	var toDelete []string
	for k, l := range f.keyLease {
		if l == lease {
			toDelete = append(toDelete, k)
		}
	}
	for _, k := range toDelete {
		delete(f.data, k)
		delete(f.keyLease, k)
		f.broker.publish(Event{Type: EventDelete, Key: k})
	}
}

func (f *fsmState) applyCAS(key string, expected, value []byte, lease LeaseID) error {
	cur, exists := f.data[key]
	mismatch := false
	switch {
	case expected == nil && exists:
		mismatch = true
	case expected != nil && !exists:
		mismatch = true
	case expected != nil && exists && !bytesEqual(cur, expected):
		mismatch = true
	}
	if mismatch {
		return ErrCASMismatch
	}
	f.put(key, value, lease)
	return nil
}

func (f *fsmState) put(key string, value []byte, lease LeaseID) {
	_, existed := f.data[key]
	f.data[key] = value
	if lease != "" {
		f.keyLease[key] = lease
	}
	evType := EventCreate
	if existed {
		evType = EventUpdate
	}
	f.broker.publish(Event{Type: evType, Key: key, Value: value})
}

func (f *fsmState) applyDelete(key string) {
	_, existed := f.data[key]
	delete(f.data, key)
	delete(f.keyLease, key)
	if existed {
		f.broker.publish(Event{Type: EventDelete, Key: key})
	}
}

// snapshotData is the JSON-serializable form of fsmState for raft snapshots.
type snapshotData struct {
	Data     map[string][]byte    `json:"data"`
	KeyLease map[string]LeaseID   `json:"key_lease"`
	Leases   map[LeaseID]time.Time `json:"leases"`
	NextID   int64                `json:"next_id"`
}

func (f *fsmState) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap := snapshotData{
		Data:     copyBytesMap(f.data),
		KeyLease: copyLeaseMap(f.keyLease),
		Leases:   copyExpiryMap(f.leases),
		NextID:   f.nextID,
	}
	return &fsmSnapshot{snap: snap}, nil
}

func (f *fsmState) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap snapshotData
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = snap.Data
	f.keyLease = snap.KeyLease
	f.leases = snap.Leases
	f.nextID = snap.NextID
	if f.data == nil {
		f.data = make(map[string][]byte)
	}
	if f.keyLease == nil {
		f.keyLease = make(map[string]LeaseID)
	}
	if f.leases == nil {
		f.leases = make(map[LeaseID]time.Time)
	}
	return nil
}

type fsmSnapshot struct {
	snap snapshotData
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	enc := json.NewEncoder(sink)
	if err := enc.Encode(s.snap); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

func copyBytesMap(in map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyLeaseMap(in map[string]LeaseID) map[string]LeaseID {
	out := make(map[string]LeaseID, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyExpiryMap(in map[LeaseID]time.Time) map[LeaseID]time.Time {
	out := make(map[LeaseID]time.Time, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

