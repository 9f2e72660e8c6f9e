package dedupstore

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/posthog/kafka-deduplicator/internal/dedupkey"
	"github.com/posthog/kafka-deduplicator/internal/dedupmodel"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Config{Path: filepath.Join(dir, "store")}, "events", 0, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Scenario 1 — basic dedup (spec §8).
func TestClassifyAndRecord_BasicDedup(t *testing.T) {
	s := openTestStore(t)

	u1 := uuid.New()
	u2 := uuid.New()
	base := dedupmodel.Event{Token: "T", DistinctID: "D", Name: "E", Timestamp: 1000}

	e1 := base
	e1.UUID, e1.HasUUID = u1, true
	out1, err := s.ClassifyAndRecord(&e1)
	require.NoError(t, err)
	require.Equal(t, New, out1.Status)

	e2 := base
	e2.UUID, e2.HasUUID = u1, true
	out2, err := s.ClassifyAndRecord(&e2)
	require.NoError(t, err)
	require.Equal(t, ConfirmedDuplicate, out2.Status)
	require.Equal(t, ReasonSameEvent, out2.Reason)

	e3 := base
	e3.UUID, e3.HasUUID = u2, true
	out3, err := s.ClassifyAndRecord(&e3)
	require.NoError(t, err)
	require.Equal(t, ConfirmedDuplicate, out3.Status)
	require.Equal(t, ReasonOnlyUUIDDiffers, out3.Reason)

	val, closer, err := s.db.Get(dedupkey.Timestamp(&base))
	require.NoError(t, err)
	defer closer.Close()
	meta, err := decodeTimestampMetadata(val)
	require.NoError(t, err)
	require.Equal(t, uint64(2), meta.DuplicateCount)
	require.ElementsMatch(t, []uuid.UUID{u1, u2}, meta.SeenUUIDs)
}

func TestClassifyAndRecord_OnlyTimestampDiffers(t *testing.T) {
	s := openTestStore(t)
	id := uuid.New()

	e1 := dedupmodel.Event{Token: "T", DistinctID: "D", Name: "E", Timestamp: 1000, UUID: id, HasUUID: true}
	out1, err := s.ClassifyAndRecord(&e1)
	require.NoError(t, err)
	require.Equal(t, New, out1.Status)

	e2 := e1
	e2.Timestamp = 2000
	out2, err := s.ClassifyAndRecord(&e2)
	require.NoError(t, err)
	require.Equal(t, ConfirmedDuplicate, out2.Status)
	require.Equal(t, IndexUUID, out2.Index)
	require.Equal(t, ReasonOnlyTimestampDiffers, out2.Reason)
}

// Scenario 2 — eviction by time range (spec §8).
func TestCleanupWithPercentage_EvictsByTimeRange(t *testing.T) {
	s := openTestStore(t)

	const n = 1000
	const lo, hi = 1_000_000, 2_000_000
	step := (hi - lo) / n
	for i := 0; i < n; i++ {
		ts := uint64(lo + i*step)
		e := dedupmodel.Event{Token: "T", DistinctID: "D", Name: "E", Timestamp: ts}
		_, err := s.ClassifyAndRecord(&e)
		require.NoError(t, err)
	}

	before, err := s.TotalSize()
	require.NoError(t, err)

	freed, err := s.CleanupWithPercentage(0.2)
	require.NoError(t, err)
	_ = freed

	t0, t1, ok, err := s.timestampSpan()
	require.NoError(t, err)
	require.True(t, ok)
	require.GreaterOrEqual(t, t0, uint64(lo)+uint64(0.2*float64(hi-lo)))
	_ = t1

	after, err := s.TotalSize()
	require.NoError(t, err)
	require.LessOrEqual(t, after, before)
}

func TestCleanupWithPercentage_RejectsOutOfRange(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CleanupWithPercentage(0.5)
	require.Error(t, err)
	_, err = s.CleanupWithPercentage(0)
	require.Error(t, err)
}

func TestCheckpoint_ProducesManifest(t *testing.T) {
	s := openTestStore(t)
	e := dedupmodel.Event{Token: "T", DistinctID: "D", Name: "E", Timestamp: 1}
	_, err := s.ClassifyAndRecord(&e)
	require.NoError(t, err)

	dir := t.TempDir()
	m, err := s.Checkpoint(filepath.Join(dir, "cp1"))
	require.NoError(t, err)
	require.NotEmpty(t, m.Files)
}
