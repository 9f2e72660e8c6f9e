// Package rebalance provides the single source of truth for "is a rebalance
// in progress" and "which partitions do we own", shared by storemanager,
// sourcelog and checkpoint. Grounded on original_source/rust's
// rebalance_tracker.rs: a counter, not a boolean, because a second
// assignment callback can fire before the first's async drain finishes.
package rebalance

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/posthog/kafka-deduplicator/internal/dedupmodel"
	"github.com/posthog/kafka-deduplicator/internal/metrics"
)

// Tracker tracks rebalance-in-progress state, owned partitions, and an
// export-suppression signal the checkpoint pipeline consults before
// starting a new upload.
type Tracker struct {
	count atomic.Int64

	ownedMu sync.Mutex
	owned   map[dedupmodel.Partition]struct{}

	tokenMu    sync.RWMutex
	exportCtx  context.Context
	exportStop context.CancelFunc

	log zerolog.Logger
	hub *metrics.Hub
}

// New builds a Tracker with the counter at zero and a fresh, uncancelled
// export-suppression context.
func New(hub *metrics.Hub, log zerolog.Logger) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		owned:      make(map[dedupmodel.Partition]struct{}),
		exportCtx:  ctx,
		exportStop: cancel,
		log:        log,
		hub:        hub,
	}
}

// StartRebalancing increments the counter. Call synchronously from the
// rebalance callback, before any async drain work is queued, so there is
// never a window where cleanup or offset commits could race a revoke.
//
// On the 0->1 transition, the export-suppression context is cancelled,
// telling any in-flight checkpoint upload worker to bail out immediately
// and free bandwidth for the now more urgent partition handoff.
func (t *Tracker) StartRebalancing() {
	prev := t.count.Add(1) - 1
	if t.hub != nil {
		t.hub.RebalanceInProgress.Set(1)
	}
	if prev == 0 {
		t.tokenMu.RLock()
		cancel := t.exportStop
		t.tokenMu.RUnlock()
		cancel()
		t.log.Info().Msg("export suppression: cancelled in-flight checkpoint exports, rebalance started")
	}
}

// FinishRebalancing decrements the counter. On the 1->0 transition (every
// overlapping rebalance has now finished) a fresh export-suppression
// context is installed so checkpoint exports can resume.
func (t *Tracker) FinishRebalancing() {
	newCount := t.count.Add(-1)
	if newCount < 0 {
		t.log.Warn().Msg("finish_rebalancing called when counter was already 0")
		t.count.Store(0)
		newCount = 0
	}
	if newCount == 0 {
		ctx, cancel := context.WithCancel(context.Background())
		t.tokenMu.Lock()
		t.exportCtx, t.exportStop = ctx, cancel
		t.tokenMu.Unlock()
		if t.hub != nil {
			t.hub.RebalanceInProgress.Set(0)
		}
		t.log.Info().Msg("export suppression: fresh token installed, all rebalances complete")
	}
}

// Guard decrements the counter exactly once, on its first call, whether
// invoked explicitly or via defer — mirroring the Rust RAII guard that
// fires FinishRebalancing on drop even if the async work panics.
func (t *Tracker) Guard() func() {
	var once sync.Once
	return func() {
		once.Do(t.FinishRebalancing)
	}
}

// IsRebalancing reports whether the counter is greater than zero.
func (t *Tracker) IsRebalancing() bool {
	return t.count.Load() > 0
}

// ExportSuppressed returns a context that export workers should select on
// alongside their own upload context; it is already-cancelled if a
// rebalance is in progress when the worker starts.
func (t *Tracker) ExportSuppressed() context.Context {
	t.tokenMu.RLock()
	defer t.tokenMu.RUnlock()
	return t.exportCtx
}

// AddOwnedPartitions merges partitions into the owned set. Idempotent.
func (t *Tracker) AddOwnedPartitions(partitions []dedupmodel.Partition) {
	if len(partitions) == 0 {
		return
	}
	t.ownedMu.Lock()
	defer t.ownedMu.Unlock()
	for _, p := range partitions {
		t.owned[p] = struct{}{}
	}
	if t.hub != nil {
		t.hub.PartitionsOwned.Set(float64(len(t.owned)))
	}
}

// RemoveOwnedPartitions drops partitions from the owned set. Idempotent.
func (t *Tracker) RemoveOwnedPartitions(partitions []dedupmodel.Partition) {
	if len(partitions) == 0 {
		return
	}
	t.ownedMu.Lock()
	defer t.ownedMu.Unlock()
	for _, p := range partitions {
		delete(t.owned, p)
	}
	if t.hub != nil {
		t.hub.PartitionsOwned.Set(float64(len(t.owned)))
	}
}

// OwnedPartitions returns a snapshot of the current owned set.
func (t *Tracker) OwnedPartitions() []dedupmodel.Partition {
	t.ownedMu.Lock()
	defer t.ownedMu.Unlock()
	out := make([]dedupmodel.Partition, 0, len(t.owned))
	for p := range t.owned {
		out = append(out, p)
	}
	return out
}

// IsPartitionOwned reports whether p is currently in the owned set.
func (t *Tracker) IsPartitionOwned(p dedupmodel.Partition) bool {
	t.ownedMu.Lock()
	defer t.ownedMu.Unlock()
	_, ok := t.owned[p]
	return ok
}

// UnownedPartitions filters partitions down to those NOT currently owned.
// storemanager's cleanup pass does not call it; it consults only
// IsRebalancing.
func (t *Tracker) UnownedPartitions(partitions []dedupmodel.Partition) []dedupmodel.Partition {
	t.ownedMu.Lock()
	defer t.ownedMu.Unlock()
	out := make([]dedupmodel.Partition, 0, len(partitions))
	for _, p := range partitions {
		if _, ok := t.owned[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}
