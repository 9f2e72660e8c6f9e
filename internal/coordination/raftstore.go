package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// ErrNotLeader is returned by every mutating RaftStore method when called
// against a follower; spec §4.E's assigner only ever calls these from the
// elected leader, so a caller seeing this has lost leadership mid-operation.
var ErrNotLeader = fmt.Errorf("coordination: not the raft leader")

// RaftStore is the production Store, replicating every mutation via
// hashicorp/raft so that a worker-fleet leader election survives node
// crashes the way spec §4.E's coordination store requires.
type RaftStore struct {
	raft  *raft.Raft
	fsm   *fsmState
	log   zerolog.Logger
	sweep *time.Ticker
	done  chan struct{}
}

// NodeConfig configures a single raft participant.
type NodeConfig struct {
	NodeID    string
	BindAddr  string // "host:port" this node's raft transport listens on
	DataDir   string // holds the bolt log/stable store and snapshots
	Bootstrap bool   // true only for the node that forms a brand-new cluster
}

// NewRaftStore opens (or creates) the on-disk raft log/snapshot stores at
// cfg.DataDir and starts the raft participant. Join the cluster by calling
// AddVoter from an existing leader; Bootstrap should be set on exactly one
// node when forming a cluster from scratch.
func NewRaftStore(cfg NodeConfig, log zerolog.Logger) (*RaftStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.bolt"))
	if err != nil {
		return nil, fmt.Errorf("open raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.bolt"))
	if err != nil {
		return nil, fmt.Errorf("open raft stable store: %w", err)
	}
	snapStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, nil)
	if err != nil {
		return nil, fmt.Errorf("open raft snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	fsm := newFSMState()
	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapStore, transport)
	if err != nil {
		return nil, fmt.Errorf("start raft: %w", err)
	}

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
		}
		r.BootstrapCluster(configuration)
	}

	s := &RaftStore{raft: r, fsm: fsm, log: log, done: make(chan struct{})}
	s.startLeaseSweep()
	return s, nil
}

// startLeaseSweep runs a periodic leader-only lease-expiry pass: the
// leader proposes an expire_older command so every replica converges on
// the same expiry decision rather than each node racing its own clock.
func (s *RaftStore) startLeaseSweep() {
	s.sweep = time.NewTicker(time.Second)
	go func() {
		for {
			select {
			case <-s.done:
				s.sweep.Stop()
				return
			case <-s.sweep.C:
				if s.raft.State() != raft.Leader {
					continue
				}
				_ = s.apply(command{Kind: cmdExpireOlder, Now: time.Now()})
			}
		}
	}()
}

// Close stops the lease sweeper and shuts raft down.
func (s *RaftStore) Close() error {
	close(s.done)
	return s.raft.Shutdown().Error()
}

// IsLeader reports whether this node currently holds raft leadership.
func (s *RaftStore) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

// AddVoter adds a new voting member; only the leader can do this.
func (s *RaftStore) AddVoter(id, addr string) error {
	f := s.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 10*time.Second)
	return f.Error()
}

func (s *RaftStore) apply(cmd command) applyResult {
	if s.raft.State() != raft.Leader {
		return applyResult{err: ErrNotLeader}
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return applyResult{err: err}
	}
	f := s.raft.Apply(data, 10*time.Second)
	if err := f.Error(); err != nil {
		return applyResult{err: err}
	}
	resp, _ := f.Response().(applyResult)
	return resp
}

func (s *RaftStore) Grant(_ context.Context, ttl time.Duration) (LeaseID, error) {
	res := s.apply(command{Kind: cmdGrant, TTL: ttl, Now: time.Now()})
	return res.leaseID, res.err
}

func (s *RaftStore) KeepAlive(_ context.Context, lease LeaseID) error {
	res := s.apply(command{Kind: cmdKeepAlive, LeaseID: lease, Now: time.Now()})
	return res.err
}

func (s *RaftStore) Revoke(_ context.Context, lease LeaseID) error {
	res := s.apply(command{Kind: cmdRevoke, LeaseID: lease})
	return res.err
}

func (s *RaftStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.fsm.mu.RLock()
	defer s.fsm.mu.RUnlock()
	if l, ok := s.fsm.keyLease[key]; ok && s.leaseExpiredLocked(l) {
		return nil, false, nil
	}
	v, ok := s.fsm.data[key]
	return v, ok, nil
}

func (s *RaftStore) leaseExpiredLocked(lease LeaseID) bool {
	exp, ok := s.fsm.leases[lease]
	return !ok || time.Now().After(exp)
}

func (s *RaftStore) List(_ context.Context, prefix string) (map[string][]byte, error) {
	s.fsm.mu.RLock()
	defer s.fsm.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range s.fsm.data {
		if l, ok := s.fsm.keyLease[k]; ok && s.leaseExpiredLocked(l) {
			continue
		}
		if hasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (s *RaftStore) CAS(_ context.Context, key string, expected, value []byte, lease LeaseID) error {
	res := s.apply(command{Kind: cmdCAS, Key: key, Expected: expected, Value: value, LeaseID: lease})
	return res.err
}

func (s *RaftStore) Delete(_ context.Context, key string) error {
	res := s.apply(command{Kind: cmdDelete, Key: key})
	return res.err
}

func (s *RaftStore) Txn(_ context.Context, ops []Op) error {
	res := s.apply(command{Kind: cmdTxn, Ops: ops})
	return res.err
}

func (s *RaftStore) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	sub := s.fsm.broker.subscribe(prefix)
	go func() {
		<-ctx.Done()
		s.fsm.broker.unsubscribe(sub)
	}()
	return sub, nil
}
