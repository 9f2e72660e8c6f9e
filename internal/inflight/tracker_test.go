package inflight

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/posthog/kafka-deduplicator/internal/dedupmodel"
	"github.com/posthog/kafka-deduplicator/internal/metrics"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	hub := metrics.New(prometheus.NewRegistry())
	return New(64, hub, zerolog.Nop())
}

func track(t *testing.T, tr *Tracker, p dedupmodel.Partition, offset int64) *Ackable {
	t.Helper()
	a, err := tr.Track(p, offset, func() {})
	require.NoError(t, err)
	return a
}

func TestCommitableOffset_AdvancesOnlyContiguously(t *testing.T) {
	tr := newTestTracker(t)
	p := dedupmodel.Partition{Topic: "events", Number: 0}

	a0 := track(t, tr, p, 0)
	a1 := track(t, tr, p, 1)
	a2 := track(t, tr, p, 2)

	// Ack offset 2 first; watermark must not advance past the gap at 0/1.
	tr.Ack(a2)
	_, ok := tr.CommitableOffset(p)
	require.True(t, ok)
	off, _ := tr.CommitableOffset(p)
	require.Equal(t, int64(-1), off)

	tr.Ack(a0)
	off, _ = tr.CommitableOffset(p)
	require.Equal(t, int64(1), off) // only offset 0 is contiguous-complete

	tr.Ack(a1)
	off, _ = tr.CommitableOffset(p)
	require.Equal(t, int64(3), off) // now 0,1,2 all complete
}

func TestNack_RemovesFromOutstandingWithoutSkippingGap(t *testing.T) {
	tr := newTestTracker(t)
	p := dedupmodel.Partition{Topic: "events", Number: 0}

	a0 := track(t, tr, p, 0)
	_ = track(t, tr, p, 1)

	tr.Nack(a0, errors.New("boom"))
	off, ok := tr.CommitableOffset(p)
	require.True(t, ok)
	require.Equal(t, int64(1), off)
}

func TestTrack_RejectsDuplicateOffset(t *testing.T) {
	tr := newTestTracker(t)
	p := dedupmodel.Partition{Topic: "events", Number: 0}
	track(t, tr, p, 5)
	_, err := tr.Track(p, 5, func() {})
	require.Error(t, err)
}

// Scenario 3 (spec §8): two partitions, revoke one, verify fencing happens
// within microseconds and fenced offsets are never surfaced as commitable,
// while the other partition keeps accepting new tracked offsets throughout.
func TestFence_BlocksTrackAndCommitWithoutAffectingOtherPartitions(t *testing.T) {
	tr := newTestTracker(t)
	hot := dedupmodel.Partition{Topic: "events", Number: 0}
	revoked := dedupmodel.Partition{Topic: "events", Number: 1}

	a := track(t, tr, revoked, 0)
	tr.Ack(a)
	offBefore, ok := tr.CommitableOffset(revoked)
	require.True(t, ok)
	require.Equal(t, int64(1), offBefore)

	start := time.Now()
	tr.Fence([]dedupmodel.Partition{revoked})
	require.Less(t, time.Since(start), time.Millisecond, "fence must return immediately")

	_, err := tr.Track(revoked, 1, func() {})
	require.Error(t, err)

	_, ok = tr.CommitableOffset(revoked)
	require.False(t, ok, "fenced partition must never report a commitable offset")

	// The untouched partition keeps working throughout.
	h := track(t, tr, hot, 0)
	tr.Ack(h)
	hotOff, ok := tr.CommitableOffset(hot)
	require.True(t, ok)
	require.Equal(t, int64(1), hotOff)
}

func TestAwaitPartitionDrain_WaitsForOutstandingThenReturnsWatermark(t *testing.T) {
	tr := newTestTracker(t)
	p := dedupmodel.Partition{Topic: "events", Number: 0}

	a0 := track(t, tr, p, 0)
	a1 := track(t, tr, p, 1)

	done := make(chan map[dedupmodel.Partition]int64, 1)
	go func() {
		final, err := tr.AwaitPartitionDrain(context.Background(), []dedupmodel.Partition{p})
		require.NoError(t, err)
		done <- final
	}()

	time.Sleep(10 * time.Millisecond)
	tr.Ack(a0)
	tr.Ack(a1)

	select {
	case final := <-done:
		require.Equal(t, int64(2), final[p])
	case <-time.After(time.Second):
		t.Fatal("drain did not complete")
	}
}

func TestAwaitPartitionDrain_CancellableViaContext(t *testing.T) {
	tr := newTestTracker(t)
	p := dedupmodel.Partition{Topic: "events", Number: 0}
	track(t, tr, p, 0) // never acked

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.AwaitPartitionDrain(ctx, []dedupmodel.Partition{p})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFinalizeRevocation_ForgetsPartitionState(t *testing.T) {
	tr := newTestTracker(t)
	p := dedupmodel.Partition{Topic: "events", Number: 0}

	a := track(t, tr, p, 0)
	tr.Ack(a)
	tr.Fence([]dedupmodel.Partition{p})
	tr.FinalizeRevocation([]dedupmodel.Partition{p})

	_, ok := tr.CommitableOffset(p)
	require.False(t, ok)

	tr.MarkPartitionsActive([]dedupmodel.Partition{p})
	// A fresh Track after finalize+reactivate starts clean, at offset 0 again.
	a2 := track(t, tr, p, 0)
	tr.Ack(a2)
	off, ok := tr.CommitableOffset(p)
	require.True(t, ok)
	require.Equal(t, int64(1), off)
}

func TestAcquirePermit_BlocksUntilSlotFreedOrContextDone(t *testing.T) {
	hub := metrics.New(prometheus.NewRegistry())
	tr := New(1, hub, zerolog.Nop())

	release, err := tr.AcquirePermit(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tr.AcquirePermit(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release2, err := tr.AcquirePermit(context.Background())
	require.NoError(t, err)
	release2()
}
