// Package coordination implements spec §4.E's coordination-store boundary:
// atomic CAS, TTL leases with keepalive, prefix watch streams, and atomic
// multi-key transactions, used by the Partition Assigner for leader
// election and handoff bookkeeping.
package coordination

import (
	"context"
	"errors"
	"time"
)

// ErrCASMismatch is returned by CAS when the key's current value does not
// match the expected value (or the key is missing and expected is non-nil,
// or the key exists and expected is nil).
var ErrCASMismatch = errors.New("coordination: compare-and-set mismatch")

// ErrLeaseExpired is returned by KeepAlive/Revoke for an unknown or
// already-expired lease.
var ErrLeaseExpired = errors.New("coordination: lease expired or unknown")

// LeaseID identifies a TTL lease granted by Grant.
type LeaseID string

// EventType distinguishes the three kinds of change a Watch stream
// delivers, mirroring the create/update/delete events spec §4.E names.
type EventType int

const (
	EventCreate EventType = iota
	EventUpdate
	EventDelete
)

// Event is a single ordered change delivered to a Watch subscriber.
type Event struct {
	Type  EventType
	Key   string
	Value []byte
}

// OpKind distinguishes the two operations a Txn may batch.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is a single operation inside an atomic multi-key Txn.
type Op struct {
	Kind  OpKind
	Key   string
	Value []byte
	Lease LeaseID // optional; zero value means no lease association
}

// Store is the coordination-store boundary spec §4.E's assigner depends
// on. Every mutating method is linearizable with respect to the others.
type Store interface {
	// Grant creates a new lease with the given TTL and starts the clock.
	Grant(ctx context.Context, ttl time.Duration) (LeaseID, error)
	// KeepAlive refreshes a lease's TTL clock.
	KeepAlive(ctx context.Context, lease LeaseID) error
	// Revoke releases a lease immediately, deleting any keys attached to it.
	Revoke(ctx context.Context, lease LeaseID) error

	// Get returns a key's current value. ok is false if the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// List returns every key/value pair under a prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// CAS atomically sets key to value if its current value equals
	// expected (nil expected means "key must not exist"). lease, if
	// non-zero, ties the key's lifetime to that lease.
	CAS(ctx context.Context, key string, expected, value []byte, lease LeaseID) error
	// Delete removes a single key unconditionally.
	Delete(ctx context.Context, key string) error
	// Txn applies every op atomically, all-or-nothing.
	Txn(ctx context.Context, ops []Op) error

	// Watch streams ordered create/update/delete events for keys under
	// prefix, starting from the moment of the call. The channel is closed
	// when ctx is done.
	Watch(ctx context.Context, prefix string) (<-chan Event, error)
}
