// Package inflight implements spec §4.C's in-flight message tracker: a
// per-partition map of outstanding offsets plus a monotone commitable
// watermark, fenced synchronously on partition revocation.
//
// The outstanding-offset set's ordered-minimum requirement (adapted from
// the teacher's own offset bookkeeping in pkg/kgo/consumer.go, which
// tracked per-partition cursors) is implemented with container/heap rather
// than a red-black tree: a binary min-heap gives O(log n) insert and
// peek/pop-min, which is all §4.C's watermark advance ever needs, and the
// exact intrusive-node API of the pack's red-black tree dependency could
// not be confirmed from the retrieved sources, so the stdlib container is
// used instead and documented here as the deliberate substitute.
package inflight

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/posthog/kafka-deduplicator/internal/dedupmodel"
	"github.com/posthog/kafka-deduplicator/internal/metrics"
)

// offsetHeap is a min-heap of outstanding offsets for one partition.
type offsetHeap []int64

func (h offsetHeap) Len() int            { return len(h) }
func (h offsetHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h offsetHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *offsetHeap) Push(x interface{}) { *h = append(*h, x.(int64)) }
func (h *offsetHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

type partitionState struct {
	mu          sync.Mutex
	outstanding offsetHeap          // offsets dispatched, not yet acked
	pending     map[int64]struct{}  // membership test / duplicate-ack guard
	watermark   int64               // highest offset safe to commit
	fenced      bool
	drainWaiters []chan struct{}
}

// Ackable is the handle returned by Track; callers pass it to Ack/Nack.
type Ackable struct {
	partition dedupmodel.Partition
	offset    int64
	permit    func() // releases the global in-flight semaphore slot
	done      bool
}

func (a *Ackable) Partition() dedupmodel.Partition { return a.partition }
func (a *Ackable) Offset() int64                   { return a.offset }

// Tracker is the in-flight message tracker of spec §4.C.
type Tracker struct {
	sem chan struct{} // global bounded concurrency semaphore

	mu         sync.Mutex
	partitions map[dedupmodel.Partition]*partitionState

	log zerolog.Logger
	hub *metrics.Hub
}

// New builds a Tracker whose global semaphore allows at most maxInFlight
// concurrently-tracked, un-acked messages.
func New(maxInFlight int, hub *metrics.Hub, log zerolog.Logger) *Tracker {
	return &Tracker{
		sem:        make(chan struct{}, maxInFlight),
		partitions: make(map[dedupmodel.Partition]*partitionState),
		log:        log,
		hub:        hub,
	}
}

func (t *Tracker) stateFor(p dedupmodel.Partition) *partitionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.partitions[p]
	if !ok {
		ps = &partitionState{pending: make(map[int64]struct{}), watermark: -1}
		t.partitions[p] = ps
	}
	return ps
}

// AcquirePermit blocks until a global in-flight slot is free, or ctx is
// done. The returned release func must eventually be called exactly once
// (Track wires it into the returned Ackable automatically).
func (t *Tracker) AcquirePermit(ctx context.Context) (release func(), err error) {
	select {
	case t.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-t.sem })
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Track records a dispatched {partition, offset}. Rejected if the
// partition is currently fenced (mid-revocation).
func (t *Tracker) Track(p dedupmodel.Partition, offset int64, permit func()) (*Ackable, error) {
	ps := t.stateFor(p)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.fenced {
		return nil, fmt.Errorf("partition %s is fenced, rejecting track for offset %d", p, offset)
	}
	if _, dup := ps.pending[offset]; dup {
		return nil, fmt.Errorf("offset %d already tracked for partition %s", offset, p)
	}

	ps.pending[offset] = struct{}{}
	heap.Push(&ps.outstanding, offset)

	if t.hub != nil {
		t.hub.InFlightMessages.Inc()
	}
	return &Ackable{partition: p, offset: offset, permit: permit}, nil
}

// Ack marks a record complete and advances the watermark if this was the
// partition's lowest outstanding offset.
func (t *Tracker) Ack(a *Ackable) {
	t.complete(a)
}

// Nack marks a record complete without having processed it successfully.
// Per spec §7 ProcessingFailure policy, the offset is still removed from
// the outstanding set (the source log will redeliver it on its own retry
// budget) but never artificially advances past a gap.
func (t *Tracker) Nack(a *Ackable, reason error) {
	t.log.Warn().Str("partition", a.partition.String()).Int64("offset", a.offset).Err(reason).Msg("nacked message")
	t.complete(a)
}

func (t *Tracker) complete(a *Ackable) {
	if a.done {
		return
	}
	a.done = true
	defer func() {
		if a.permit != nil {
			a.permit()
		}
	}()

	ps := t.stateFor(a.partition)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	delete(ps.pending, a.offset)
	if t.hub != nil {
		t.hub.InFlightMessages.Dec()
	}

	// Advance the watermark only while the current minimum has actually
	// been acked; offsets complete out of order, so a gap blocks advance.
	for len(ps.outstanding) > 0 {
		min := ps.outstanding[0]
		if _, stillPending := ps.pending[min]; stillPending {
			break
		}
		heap.Pop(&ps.outstanding)
		ps.watermark = min + 1
	}
	if len(ps.outstanding) == 0 && ps.watermark < a.offset+1 {
		ps.watermark = a.offset + 1
	}

	if t.hub != nil {
		t.hub.CommitableOffset.WithLabelValues(a.partition.Topic, fmt.Sprint(a.partition.Number)).Set(float64(ps.watermark))
	}

	if len(ps.outstanding) == 0 {
		for _, w := range ps.drainWaiters {
			close(w)
		}
		ps.drainWaiters = nil
	}
}

// CommitableOffset returns the current watermark for a partition: the
// highest offset safe to commit to the source log. ok is false if the
// partition is unknown (never tracked, or already finalized away).
func (t *Tracker) CommitableOffset(p dedupmodel.Partition) (offset int64, ok bool) {
	t.mu.Lock()
	ps, exists := t.partitions[p]
	t.mu.Unlock()
	if !exists {
		return 0, false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.fenced {
		// A fenced partition's watermark must never be committed.
		return 0, false
	}
	return ps.watermark, true
}

// Fence synchronously marks partitions such that subsequent Track calls are
// rejected. It does not block on any in-flight work; the caller (the
// rebalance callback) is expected to return in microseconds.
func (t *Tracker) Fence(partitions []dedupmodel.Partition) {
	for _, p := range partitions {
		ps := t.stateFor(p)
		ps.mu.Lock()
		ps.fenced = true
		ps.mu.Unlock()
	}
}

// MarkPartitionsActive is the inverse of Fence, used on assignment.
func (t *Tracker) MarkPartitionsActive(partitions []dedupmodel.Partition) {
	for _, p := range partitions {
		ps := t.stateFor(p)
		ps.mu.Lock()
		ps.fenced = false
		ps.mu.Unlock()
	}
}

// AwaitPartitionDrain asynchronously waits for every currently outstanding
// record on the given partitions to complete, returning the final
// watermark for each. Cancellable via ctx; cancellation leaves internal
// state consistent (no records are lost, they simply remain outstanding).
func (t *Tracker) AwaitPartitionDrain(ctx context.Context, partitions []dedupmodel.Partition) (map[dedupmodel.Partition]int64, error) {
	final := make(map[dedupmodel.Partition]int64, len(partitions))

	for _, p := range partitions {
		ps := t.stateFor(p)

		ps.mu.Lock()
		if len(ps.outstanding) == 0 {
			w := ps.watermark
			ps.mu.Unlock()
			final[p] = w
			continue
		}
		wait := make(chan struct{})
		ps.drainWaiters = append(ps.drainWaiters, wait)
		ps.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		ps.mu.Lock()
		final[p] = ps.watermark
		ps.mu.Unlock()
	}
	return final, nil
}

// FinalizeRevocation removes partition state after drain completes;
// subsequent messages for the partition are treated as if it never
// existed (they will be redelivered to the new owner).
func (t *Tracker) FinalizeRevocation(partitions []dedupmodel.Partition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range partitions {
		delete(t.partitions, p)
	}
}
