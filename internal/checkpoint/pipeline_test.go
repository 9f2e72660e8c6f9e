package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/posthog/kafka-deduplicator/internal/dedupmodel"
	"github.com/posthog/kafka-deduplicator/internal/dedupstore"
	"github.com/posthog/kafka-deduplicator/internal/objectstore"
)

// fakeStore writes the requested files (with deterministic content) into
// dir and reports them as its manifest, standing in for a real
// dedupstore.Store's hardlink checkpoint without needing a live pebble db.
type fakeStore struct {
	files []string
}

func (f *fakeStore) Checkpoint(dir string) (dedupstore.Manifest, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dedupstore.Manifest{}, err
	}
	for _, name := range f.files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("contents-of-"+name), 0o644); err != nil {
			return dedupstore.Manifest{}, err
		}
	}
	return dedupstore.Manifest{Files: f.files, Timestamp: time.Now()}, nil
}

func newTestPipeline(t *testing.T, cfg Config) (*Pipeline, *objectstore.MemoryStore) {
	t.Helper()
	remote := objectstore.NewMemoryStore()
	cfg.LocalRoot = t.TempDir()
	cfg.RemotePrefix = "dedup"
	p := New(cfg, nil, remote, nil, nil, zerolog.Nop())
	return p, remote
}

// Scenario 5 (spec §8): incremental delta only uploads newly added files.
func TestCheckpointOne_IncrementalUploadsOnlyAddedFiles(t *testing.T) {
	p, remote := newTestPipeline(t, Config{FullEveryNth: 100}) // only cycle 0 is full within this test
	part := testPartition()

	store := &fakeStore{files: []string{"a.sst", "b.sst", "c.sst"}}
	require.NoError(t, p.checkpointOne(context.Background(), part, store))

	objs, err := remote.List(context.Background(), "dedup/")
	require.NoError(t, err)
	require.Len(t, objs, 4, "first cycle uploads the 3 data files plus the manifest index")

	// Second snapshot: a.sst compacted away, d.sst and e.sst are new.
	store.files = []string{"b.sst", "c.sst", "d.sst", "e.sst"}
	require.NoError(t, p.checkpointOne(context.Background(), part, store))

	objs, err = remote.List(context.Background(), "dedup/")
	require.NoError(t, err)

	var incrementalCount int
	for _, o := range objs {
		if filepath.Base(filepath.Dir(filepath.Dir(o.Key))) == "incremental" {
			incrementalCount++
		}
	}
	require.Equal(t, 2, incrementalCount, "only d.sst and e.sst should be uploaded incrementally")
}

func TestCheckpointOne_EveryKthCycleUploadsFullManifest(t *testing.T) {
	p, remote := newTestPipeline(t, Config{FullEveryNth: 2})
	part := testPartition()
	store := &fakeStore{files: []string{"a.sst"}}

	require.NoError(t, p.checkpointOne(context.Background(), part, store)) // cycle 0: full
	store.files = []string{"a.sst", "b.sst"}
	require.NoError(t, p.checkpointOne(context.Background(), part, store)) // cycle 1: incremental
	store.files = []string{"a.sst", "b.sst", "c.sst"}
	require.NoError(t, p.checkpointOne(context.Background(), part, store)) // cycle 2: full again

	objs, err := remote.List(context.Background(), "dedup/")
	require.NoError(t, err)

	var fullCycles int
	for _, o := range objs {
		if filepath.Base(filepath.Dir(filepath.Dir(o.Key))) == "full" {
			fullCycles++
		}
	}
	require.Equal(t, 4, fullCycles) // cycle 0 uploads 1 file, cycle 2 uploads 3 files
}

func TestCheckpointOne_SkipsWhenAlreadyInProgress(t *testing.T) {
	p, _ := newTestPipeline(t, Config{})
	part := testPartition()
	st := p.stateFor(part)
	st.inProgress = true

	store := &fakeStore{files: []string{"a.sst"}}
	require.NoError(t, p.checkpointOne(context.Background(), part, store))
	require.Nil(t, st.previous, "manifest must not advance while skipped")
}

func TestDiffManifests_AddedRemovedUnchanged(t *testing.T) {
	d := diffManifests(
		[]string{"a.sst", "b.sst", "c.sst"},
		[]string{"b.sst", "c.sst", "d.sst", "e.sst"},
	)
	require.ElementsMatch(t, []string{"d.sst", "e.sst"}, d.added)
	require.ElementsMatch(t, []string{"a.sst"}, d.removed)
	require.ElementsMatch(t, []string{"b.sst", "c.sst"}, d.unchanged)
}

func testPartition() dedupmodel.Partition {
	return dedupmodel.Partition{Topic: "events", Number: 0}
}

// TestRestore_RoundTripsAcrossFullAndIncrementalCycles covers spec §4.D's
// restore path and §8's round-trip property: a replacement owner must be
// able to reconstruct the exact current file set from remote storage alone,
// even though incremental cycles never re-upload unchanged files.
func TestRestore_RoundTripsAcrossFullAndIncrementalCycles(t *testing.T) {
	p, remote := newTestPipeline(t, Config{FullEveryNth: 100})
	part := testPartition()

	store := &fakeStore{files: []string{"a.sst", "b.sst", "c.sst"}}
	require.NoError(t, p.checkpointOne(context.Background(), part, store))

	// Incremental cycle: a.sst compacted away, d.sst is new. b.sst and
	// c.sst are unchanged and never re-uploaded.
	store.files = []string{"b.sst", "c.sst", "d.sst"}
	require.NoError(t, p.checkpointOne(context.Background(), part, store))

	restoreDir := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, Restore(context.Background(), remote, "dedup", part.Topic, part.Number, restoreDir))

	for _, name := range []string{"b.sst", "c.sst", "d.sst"} {
		data, err := os.ReadFile(filepath.Join(restoreDir, name))
		require.NoError(t, err)
		require.Equal(t, "contents-of-"+name, string(data))
	}
	_, err := os.Stat(filepath.Join(restoreDir, "a.sst"))
	require.True(t, os.IsNotExist(err), "a.sst was compacted away and must not reappear in a restore")
}

func TestRestore_MissingManifestIndexErrors(t *testing.T) {
	_, remote := newTestPipeline(t, Config{})
	err := Restore(context.Background(), remote, "dedup", "events", 7, t.TempDir())
	require.Error(t, err)
}
