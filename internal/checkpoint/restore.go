package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/posthog/kafka-deduplicator/internal/objectstore"
)

// Restore reconstructs a local checkpoint directory for topic/partition from
// remote object storage, downloading the latest manifest index and every
// file it names into localDir. The resulting directory is a valid pebble
// checkpoint: a fresh worker assigned this partition can open it directly
// rather than rebuilding the dedup store from the source log (spec §4.D,
// spec §1's "negligible reprocessing" claim).
func Restore(ctx context.Context, remote objectstore.Store, prefix, topic string, partition int32, localDir string) error {
	doc, err := readManifestIndex(ctx, remote, prefix, topic, partition)
	if err != nil {
		return fmt.Errorf("read manifest index for %s_%d: %w", topic, partition, err)
	}

	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return fmt.Errorf("create restore dir: %w", err)
	}

	for _, f := range doc.Files {
		key, ok := doc.Locations[f]
		if !ok {
			return fmt.Errorf("manifest index for %s_%d missing location for file %s", topic, partition, f)
		}
		if err := downloadFile(ctx, remote, key, filepath.Join(localDir, f)); err != nil {
			return fmt.Errorf("download %s: %w", f, err)
		}
	}
	return nil
}

func readManifestIndex(ctx context.Context, remote objectstore.Store, prefix, topic string, partition int32) (remoteManifest, error) {
	rc, err := remote.Get(ctx, manifestIndexKey(prefix, topic, partition))
	if err != nil {
		return remoteManifest{}, err
	}
	defer rc.Close()

	var doc remoteManifest
	if err := json.NewDecoder(rc).Decode(&doc); err != nil {
		return remoteManifest{}, fmt.Errorf("decode manifest index: %w", err)
	}
	return doc, nil
}

func downloadFile(ctx context.Context, remote objectstore.Store, key, dest string) error {
	rc, err := remote.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}
