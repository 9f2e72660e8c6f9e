package assigner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/posthog/kafka-deduplicator/internal/coordination"
)

func TestRegisterWorker_WritesLivenessRecord(t *testing.T) {
	store := coordination.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, RegisterWorker(ctx, store, "worker-a", time.Minute, zerolog.Nop()))

	raw, ok, err := store.Get(context.Background(), workerPrefix+"worker-a")
	require.NoError(t, err)
	require.True(t, ok)

	var rec workerRecord
	require.NoError(t, json.Unmarshal(raw, &rec))
	require.Equal(t, "worker-a", rec.Name)
	require.WithinDuration(t, time.Now(), rec.RegisteredAt, time.Minute)
}

func TestRegisterWorker_OverwritesStaleRecordFromPriorProcess(t *testing.T) {
	store := coordination.NewMemoryStore()
	ctx := context.Background()

	staleLease, err := store.Grant(ctx, time.Hour)
	require.NoError(t, err)
	staleRec, err := json.Marshal(workerRecord{Name: "worker-a", RegisteredAt: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	require.NoError(t, store.CAS(ctx, workerPrefix+"worker-a", nil, staleRec, staleLease))

	require.NoError(t, RegisterWorker(ctx, store, "worker-a", time.Minute, zerolog.Nop()))

	raw, ok, err := store.Get(ctx, workerPrefix+"worker-a")
	require.NoError(t, err)
	require.True(t, ok)
	var rec workerRecord
	require.NoError(t, json.Unmarshal(raw, &rec))
	require.WithinDuration(t, time.Now(), rec.RegisteredAt, time.Minute)
}

// TestKeepAliveWorkerLease_RenewsPastOriginalTTL exercises the background
// keepalive goroutine directly with a short interval, since production uses
// a fixed 5s cadence that would make this test unnecessarily slow.
func TestKeepAliveWorkerLease_RenewsPastOriginalTTL(t *testing.T) {
	store := coordination.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ttl := 20 * time.Millisecond
	lease, err := store.Grant(ctx, ttl)
	require.NoError(t, err)
	require.NoError(t, store.CAS(ctx, workerPrefix+"worker-a", nil, []byte("alive"), lease))

	go keepAliveWorkerLease(ctx, store, lease, 5*time.Millisecond, zerolog.Nop())

	time.Sleep(ttl * 3)
	_, ok, err := store.Get(context.Background(), workerPrefix+"worker-a")
	require.NoError(t, err)
	require.True(t, ok, "worker record must survive past its original lease TTL while keepalive is running")
}
