package checkpoint

import (
	"path/filepath"
	"strconv"
)

// fileSet is a small set-of-strings helper used to diff two manifests.
type fileSet map[string]struct{}

func newFileSet(files []string) fileSet {
	s := make(fileSet, len(files))
	for _, f := range files {
		s[f] = struct{}{}
	}
	return s
}

// delta computes added/removed/unchanged between a previous and current
// manifest, per spec §4.D step 3.
type delta struct {
	added     []string
	removed   []string
	unchanged []string
}

func diffManifests(previous, current []string) delta {
	prev := newFileSet(previous)
	cur := newFileSet(current)

	var d delta
	for f := range cur {
		if _, ok := prev[f]; ok {
			d.unchanged = append(d.unchanged, f)
		} else {
			d.added = append(d.added, f)
		}
	}
	for f := range prev {
		if _, ok := cur[f]; !ok {
			d.removed = append(d.removed, f)
		}
	}
	return d
}

// uploadKey builds the object-storage key per spec §6's convention:
// {prefix}/{topic}_{partition}/{full|incremental}/{checkpoint_timestamp}/{file_name}.
func uploadKey(prefix, topic string, partition int32, kind string, checkpointTS int64, fileName string) string {
	return filepath.ToSlash(filepath.Join(
		prefix,
		partitionDir(topic, partition),
		kind,
		strconv.FormatInt(checkpointTS, 10),
		fileName,
	))
}

func partitionDir(topic string, partition int32) string {
	return topic + "_" + strconv.Itoa(int(partition))
}

// remoteManifest is the small JSON index uploaded once per checkpoint
// cycle, separate from the full/incremental data files. Because an
// incremental cycle only uploads the files a partition's manifest added
// since the previous cycle, there is no single upload directory that holds
// every file the current manifest needs; Locations records, for every file
// still live in the manifest, the object key it actually lives under, so
// Restore (spec §4.D's restore path) can fetch a partition's current state
// without replaying the whole upload history.
type remoteManifest struct {
	Files     []string          `json:"files"`
	Locations map[string]string `json:"locations"`
	Timestamp int64             `json:"timestamp"`
}

// manifestIndexKey is the stable (non-timestamped) key the latest
// remoteManifest is written to for a partition.
func manifestIndexKey(prefix, topic string, partition int32) string {
	return filepath.ToSlash(filepath.Join(prefix, partitionDir(topic, partition), "manifest.json"))
}
