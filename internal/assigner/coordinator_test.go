package assigner

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/posthog/kafka-deduplicator/internal/coordination"
	"github.com/posthog/kafka-deduplicator/internal/metrics"
)

func testHub() *metrics.Hub {
	return metrics.New(prometheus.NewRegistry())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestCoordinator_WinsLeadershipAndBecomesLeader(t *testing.T) {
	store := coordination.NewMemoryStore()
	hub := testHub()
	c := New(Config{Name: "worker-a", TotalPartitions: 4}, store, nil, hub, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, time.Second, c.IsLeader)

	v, ok, err := store.Get(context.Background(), leaderKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "worker-a", string(v))
}

func TestCoordinator_SecondContenderLosesElection(t *testing.T) {
	store := coordination.NewMemoryStore()
	hub := testHub()
	first := New(Config{Name: "worker-a", TotalPartitions: 4}, store, nil, hub, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go first.Run(ctx)
	waitFor(t, time.Second, first.IsLeader)

	second := New(Config{Name: "worker-b", TotalPartitions: 4, ElectionRetryWait: 20 * time.Millisecond}, store, nil, hub, zerolog.Nop())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go second.Run(ctx2)

	time.Sleep(100 * time.Millisecond)
	require.False(t, second.IsLeader(), "second contender must not win while first holds the lease")
}

func TestCoordinator_RebalancePassAssignsPartitionsToSoleWorker(t *testing.T) {
	store := coordination.NewMemoryStore()
	hub := testHub()
	c := New(Config{Name: "worker-a", TotalPartitions: 3, DebounceWindow: 10 * time.Millisecond}, store, nil, hub, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	waitFor(t, time.Second, c.IsLeader)

	require.NoError(t, store.CAS(context.Background(), workerPrefix+"worker-a", nil, []byte("alive"), ""))

	waitFor(t, time.Second, func() bool {
		out, _ := store.List(context.Background(), assignmentPfx)
		return len(out) == 3
	})

	out, err := store.List(context.Background(), assignmentPfx)
	require.NoError(t, err)
	for p := 0; p < 3; p++ {
		require.Equal(t, "worker-a", string(out[assignmentPfx+strconv.Itoa(p)]))
	}
}

func TestCoordinator_RouterAckCompletesHandoffAndFlipsAssignment(t *testing.T) {
	store := coordination.NewMemoryStore()
	hub := testHub()
	c := New(Config{Name: "worker-a", TotalPartitions: 1, RouterCount: 1}, store, nil, hub, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	waitFor(t, time.Second, c.IsLeader)

	require.NoError(t, store.CAS(context.Background(), assignmentPfx+"0", nil, []byte("old-owner"), ""))
	rec := handoffRecord{OldOwner: "old-owner", NewOwner: "new-owner", Phase: PhaseReady}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, store.CAS(context.Background(), handoffPrefix+"0", nil, data, ""))

	require.NoError(t, store.CAS(context.Background(), routerAckPfx+"0/router-1", nil, []byte("ack"), ""))

	waitFor(t, time.Second, func() bool {
		v, ok, _ := store.Get(context.Background(), assignmentPfx+"0")
		return ok && string(v) == "new-owner"
	})

	// The leader deletes a handoff record as soon as it observes it Complete,
	// so the record disappearing marks the end of the Ready->Complete step.
	waitFor(t, time.Second, func() bool {
		_, ok, _ := store.Get(context.Background(), handoffPrefix+"0")
		return !ok
	})
}

func TestCoordinator_HandoffCleanupRemovesCompletedRecordAndAcks(t *testing.T) {
	store := coordination.NewMemoryStore()
	hub := testHub()
	c := New(Config{Name: "worker-a", TotalPartitions: 1}, store, nil, hub, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	waitFor(t, time.Second, c.IsLeader)

	require.NoError(t, store.CAS(context.Background(), routerAckPfx+"0/router-1", nil, []byte("ack"), ""))
	rec := handoffRecord{OldOwner: "old-owner", NewOwner: "new-owner", Phase: PhaseComplete}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, store.CAS(context.Background(), handoffPrefix+"0", nil, data, ""))

	waitFor(t, time.Second, func() bool {
		_, ok, _ := store.Get(context.Background(), handoffPrefix+"0")
		return !ok
	})
	acks, err := store.List(context.Background(), routerAckPfx+"0/")
	require.NoError(t, err)
	require.Empty(t, acks, "router acks for a completed handoff must be cleaned up")
}
