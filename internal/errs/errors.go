// Package errs implements the error taxonomy of the dedup core so callers
// can errors.As into a kind and apply its policy mechanically instead of
// string-matching.
package errs

import "fmt"

// TransientIO covers coordination-store timeouts, object-storage 5xx, and
// network hiccups. Policy: retry with exponential backoff + jitter, capped
// attempts.
type TransientIO struct {
	Op  string
	Err error
}

func (e *TransientIO) Error() string { return fmt.Sprintf("transient io in %s: %v", e.Op, e.Err) }
func (e *TransientIO) Unwrap() error { return e.Err }

// PermanentIO covers object-storage 4xx on PUT (auth, missing bucket).
// Policy: log, emit metric, abort the current cycle; no retry until next tick.
type PermanentIO struct {
	Op  string
	Err error
}

func (e *PermanentIO) Error() string { return fmt.Sprintf("permanent io in %s: %v", e.Op, e.Err) }
func (e *PermanentIO) Unwrap() error { return e.Err }

// StoreCorruption covers an LSM open failure for an existing directory.
// Policy: log, emit metric, delete the directory and recreate empty.
type StoreCorruption struct {
	Path string
	Err  error
}

func (e *StoreCorruption) Error() string {
	return fmt.Sprintf("store corruption at %s: %v", e.Path, e.Err)
}
func (e *StoreCorruption) Unwrap() error { return e.Err }

// StaleHandoff marks a handoff whose target worker is no longer live.
type StaleHandoff struct {
	Partition int32
	NewOwner  string
}

func (e *StaleHandoff) Error() string {
	return fmt.Sprintf("stale handoff for partition %d targeting dead worker %s", e.Partition, e.NewOwner)
}

// LeaderLost is returned when the leader's lease keepalive fails.
type LeaderLost struct {
	Err error
}

func (e *LeaderLost) Error() string { return fmt.Sprintf("leader lost: %v", e.Err) }
func (e *LeaderLost) Unwrap() error { return e.Err }

// ProcessingFailure wraps a worker event-handler error. Policy: nack, let
// the source log redeliver up to its retry budget.
type ProcessingFailure struct {
	Err error
}

func (e *ProcessingFailure) Error() string { return fmt.Sprintf("processing failure: %v", e.Err) }
func (e *ProcessingFailure) Unwrap() error { return e.Err }

// RevocationDuringProcessing marks a handler that completed on a partition
// revoked mid-flight; its offset must not be committed.
type RevocationDuringProcessing struct {
	Partition int32
	Offset    int64
}

func (e *RevocationDuringProcessing) Error() string {
	return fmt.Sprintf("partition %d revoked while offset %d was in flight", e.Partition, e.Offset)
}

// BudgetExceeded marks an aggregate store size over the configured ceiling.
type BudgetExceeded struct {
	TotalBytes uint64
	Ceiling    uint64
}

func (e *BudgetExceeded) Error() string {
	return fmt.Sprintf("store budget exceeded: %d bytes exceeds ceiling %d", e.TotalBytes, e.Ceiling)
}
