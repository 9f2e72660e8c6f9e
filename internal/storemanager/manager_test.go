package storemanager

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/posthog/kafka-deduplicator/internal/dedupmodel"
	"github.com/posthog/kafka-deduplicator/internal/dedupstore"
	"github.com/posthog/kafka-deduplicator/internal/metrics"
	"github.com/posthog/kafka-deduplicator/internal/rebalance"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	hub := metrics.New(prometheus.NewRegistry())
	return New(Config{Root: t.TempDir(), MaxCapacity: 1 << 30}, 8<<20, hub, nil, zerolog.Nop())
}

// Scenario 6 — concurrent store creation (spec §8).
func TestGetOrCreate_ConcurrentCallersShareOneStore(t *testing.T) {
	m := newTestManager(t)
	p := dedupmodel.Partition{Topic: "events", Number: 42}

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.GetOrCreate(p)
			require.NoError(t, err)
			results[i] = storeAddr(s)
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Equal(t, results[0], results[i], "all callers must share the same store")
	}

	s, _ := m.Get(p)
	e := dedupmodel.Event{Token: "T", DistinctID: "D", Name: "E", Timestamp: 1, UUID: uuid.New(), HasUUID: true}
	out1, err := s.ClassifyAndRecord(&e)
	require.NoError(t, err)
	require.Equal(t, 0, int(out1.Status)) // New == 0

	s2, err := m.GetOrCreate(p)
	require.NoError(t, err)
	out2, err := s2.ClassifyAndRecord(&e)
	require.NoError(t, err)
	require.NotEqual(t, 0, int(out2.Status)) // must now see the duplicate
}

func storeAddr(s *dedupstore.Store) string {
	return fmt.Sprintf("%p", s)
}

func TestNeedsCleanup_SkippedWhileRebalancing(t *testing.T) {
	hub := metrics.New(prometheus.NewRegistry())
	rt := rebalance.New(hub, zerolog.Nop())
	m := New(Config{Root: t.TempDir(), MaxCapacity: 1}, 8<<20, hub, rt, zerolog.Nop())

	p := dedupmodel.Partition{Topic: "events", Number: 0}
	s, err := m.GetOrCreate(p)
	require.NoError(t, err)
	e := dedupmodel.Event{Token: "T", DistinctID: "D", Name: "E", Timestamp: 1, UUID: uuid.New(), HasUUID: true}
	_, err = s.ClassifyAndRecord(&e)
	require.NoError(t, err)

	rt.StartRebalancing()
	require.False(t, m.NeedsCleanup(), "cleanup must be suppressed mid-rebalance regardless of budget")

	rt.FinishRebalancing()
}

// TestAdoptCheckpoint_OpensRestoredDirectoryAsLiveStore covers the
// new-owner side of a partition handoff: a checkpoint downloaded by
// checkpoint.Restore must open as a fully functional store, not just a
// directory of files.
func TestAdoptCheckpoint_OpensRestoredDirectoryAsLiveStore(t *testing.T) {
	m := newTestManager(t)
	p := dedupmodel.Partition{Topic: "events", Number: 7}

	source, err := dedupstore.Open(dedupstore.Config{Path: filepath.Join(t.TempDir(), "source")}, p.Topic, p.Number, zerolog.Nop())
	require.NoError(t, err)

	id := uuid.New()
	e := dedupmodel.Event{Token: "T", DistinctID: "D", Name: "E", Timestamp: 1, UUID: id, HasUUID: true}
	_, err = source.ClassifyAndRecord(&e)
	require.NoError(t, err)

	checkpointDir := filepath.Join(t.TempDir(), "checkpoint")
	_, err = source.Checkpoint(checkpointDir)
	require.NoError(t, err)
	require.NoError(t, source.Close())

	adopted, err := m.AdoptCheckpoint(p, checkpointDir)
	require.NoError(t, err)

	got, ok := m.Get(p)
	require.True(t, ok)
	require.Equal(t, storeAddr(adopted), storeAddr(got))

	outcome, err := adopted.ClassifyAndRecord(&e)
	require.NoError(t, err)
	require.Equal(t, dedupstore.ConfirmedDuplicate, outcome.Status)
}
