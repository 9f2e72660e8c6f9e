// Package checkpoint implements spec §4.D's checkpoint pipeline: periodic
// LSM snapshots, full-vs-incremental delta upload, local/remote retention
// pruning, and rebalance-driven export suppression.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/posthog/kafka-deduplicator/internal/dedupmodel"
	"github.com/posthog/kafka-deduplicator/internal/dedupstore"
	"github.com/posthog/kafka-deduplicator/internal/metrics"
	"github.com/posthog/kafka-deduplicator/internal/objectstore"
	"github.com/posthog/kafka-deduplicator/internal/rebalance"
	"github.com/posthog/kafka-deduplicator/internal/storemanager"
)

// Config parameterizes the pipeline per spec §4.D's defaults.
type Config struct {
	Interval            time.Duration
	LocalRoot           string // local_checkpoints/ parent directory
	RemotePrefix        string
	FullEveryNth         int // default 5
	MaxLocalCheckpoints int // default 3
	RemoteRetention     int // keep most recent N remote checkpoints
	UploadConcurrency   int // per-worker ceiling, not per-store
}

func (c Config) withDefaults() Config {
	if c.FullEveryNth <= 0 {
		c.FullEveryNth = 5
	}
	if c.MaxLocalCheckpoints <= 0 {
		c.MaxLocalCheckpoints = 3
	}
	if c.RemoteRetention <= 0 {
		c.RemoteRetention = 3
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = 8
	}
	return c
}

// storeCheckpointer is the subset of dedupstore.Store the pipeline needs;
// named so tests can substitute a fake without opening a real pebble db.
type storeCheckpointer interface {
	Checkpoint(dir string) (dedupstore.Manifest, error)
}

type perStoreState struct {
	inProgress bool // simple flag per spec §4.D step 1, not a counter
	previous   []string
	cycleCount int
	localDirs  []string          // most-recent-last, for retention pruning
	locations  map[string]string // file name -> object key it was last uploaded under
}

// Pipeline runs one background tick loop per worker, checkpointing every
// store the storemanager.Manager currently tracks.
type Pipeline struct {
	cfg        Config
	stores     *storemanager.Manager
	remote     objectstore.Store
	rebalancer *rebalance.Tracker
	hub        *metrics.Hub
	log        zerolog.Logger

	mu    sync.Mutex
	state map[dedupmodel.Partition]*perStoreState
	sem   chan struct{}
}

// New builds a Pipeline. stores must expose live dedupstore.Store handles
// via storemanager.Manager's Partitions/Get.
func New(cfg Config, stores *storemanager.Manager, remote objectstore.Store, rebalancer *rebalance.Tracker, hub *metrics.Hub, log zerolog.Logger) *Pipeline {
	cfg = cfg.withDefaults()
	return &Pipeline{
		cfg:        cfg,
		stores:     stores,
		remote:     remote,
		rebalancer: rebalancer,
		hub:        hub,
		log:        log,
		state:      make(map[dedupmodel.Partition]*perStoreState),
		sem:        make(chan struct{}, cfg.UploadConcurrency),
	}
}

// Handle stops the pipeline's background goroutine.
type Handle struct {
	stop chan struct{}
	done chan struct{}
}

// Stop signals the tick loop to exit and waits up to 5s for it to finish.
func (h *Handle) Stop() {
	close(h.stop)
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
	}
}

// Start spawns the periodic tick loop.
func (p *Pipeline) Start() *Handle {
	h := &Handle{stop: make(chan struct{}), done: make(chan struct{})}
	ticker := time.NewTicker(p.cfg.Interval)

	go func() {
		defer close(h.done)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				p.RunOnce(context.Background())
			}
		}
	}()

	return h
}

// RunOnce runs a single tick: checkpoints every owned partition
// concurrently (upload concurrency is shared across all of them via the
// pipeline-wide semaphore, per spec §4.D step 5).
func (p *Pipeline) RunOnce(ctx context.Context) {
	start := time.Now()
	defer func() {
		if p.hub != nil {
			p.hub.CheckpointDuration.WithLabelValues("tick").Observe(time.Since(start).Seconds())
		}
	}()

	var wg sync.WaitGroup
	for _, part := range p.stores.Partitions() {
		s, ok := p.stores.Get(part)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(part dedupmodel.Partition, s storeCheckpointer) {
			defer wg.Done()
			if err := p.checkpointOne(ctx, part, s); err != nil {
				p.log.Warn().Err(err).Str("partition", part.String()).Msg("checkpoint cycle failed")
			}
		}(part, s)
	}
	wg.Wait()
}

func (p *Pipeline) stateFor(part dedupmodel.Partition) *perStoreState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.state[part]
	if !ok {
		st = &perStoreState{}
		p.state[part] = st
	}
	return st
}

// checkpointOne implements spec §4.D steps 1-7 for a single store.
func (p *Pipeline) checkpointOne(ctx context.Context, part dedupmodel.Partition, s storeCheckpointer) error {
	st := p.stateFor(part)

	p.mu.Lock()
	if st.inProgress {
		p.mu.Unlock()
		p.log.Debug().Str("partition", part.String()).Msg("checkpoint already in progress, skipping tick")
		return nil
	}
	st.inProgress = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		st.inProgress = false
		p.mu.Unlock()
	}()

	suppressed := context.Background()
	if p.rebalancer != nil {
		suppressed = p.rebalancer.ExportSuppressed()
	}
	select {
	case <-suppressed.Done():
		p.log.Debug().Str("partition", part.String()).Msg("export suppressed, skipping checkpoint tick")
		return nil
	default:
	}

	localDir := filepath.Join(p.cfg.LocalRoot, partitionDir(part.Topic, part.Number), strconv.FormatInt(time.Now().UnixNano(), 10))
	manifest, err := s.Checkpoint(localDir)
	if err != nil {
		return fmt.Errorf("local snapshot: %w", err)
	}

	d := diffManifests(st.previous, manifest.Files)

	full := st.cycleCount%p.cfg.FullEveryNth == 0
	kind := "incremental"
	var toUpload []string
	if full {
		kind = "full"
		toUpload = manifest.Files
	} else {
		toUpload = d.added
	}

	ts := manifest.Timestamp.UnixMilli()
	if err := p.uploadAll(ctx, suppressed, part, localDir, kind, ts, toUpload); err != nil {
		// Per step 7: abandon this checkpoint, "previous" is not updated,
		// and the next tick naturally retries from current LSM state.
		return fmt.Errorf("upload delta: %w", err)
	}

	var uploadedBytes int64
	for _, f := range toUpload {
		if fi, statErr := os.Stat(filepath.Join(localDir, f)); statErr == nil {
			uploadedBytes += fi.Size()
		}
	}
	if p.hub != nil {
		p.hub.CheckpointBytes.WithLabelValues(kind).Add(float64(uploadedBytes))
	}

	locations := make(map[string]string, len(manifest.Files))
	if !full {
		for f, key := range st.locations {
			locations[f] = key
		}
	}
	for _, f := range toUpload {
		locations[f] = uploadKey(p.cfg.RemotePrefix, part.Topic, part.Number, kind, ts, f)
	}
	current := newFileSet(manifest.Files)
	for f := range locations {
		if _, ok := current[f]; !ok {
			delete(locations, f)
		}
	}
	if err := p.uploadManifestIndex(ctx, part, manifest.Files, locations, ts); err != nil {
		p.log.Warn().Err(err).Str("partition", part.String()).Msg("failed to upload manifest index, restore will fall back to an earlier one")
	}
	st.locations = locations

	st.previous = manifest.Files
	st.cycleCount++
	st.localDirs = append(st.localDirs, localDir)

	p.pruneLocal(st)
	p.pruneRemote(ctx, part)

	return nil
}

// uploadManifestIndex publishes the current file set and their object-store
// locations so a replacement owner can restore this partition without
// reconstructing the full/incremental upload history (spec §4.D's restore
// path, see restore.go).
func (p *Pipeline) uploadManifestIndex(ctx context.Context, part dedupmodel.Partition, files []string, locations map[string]string, ts int64) error {
	doc := remoteManifest{Files: files, Locations: locations, Timestamp: ts}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal manifest index: %w", err)
	}
	key := manifestIndexKey(p.cfg.RemotePrefix, part.Topic, part.Number)
	return p.remote.Put(ctx, key, bytes.NewReader(body), int64(len(body)))
}

// uploadAll uploads files concurrently, bounded by the pipeline-wide
// semaphore. Cancellation via suppressed (export-suppression context tied
// to the rebalance tracker) or ctx abandons remaining uploads and cancels
// those already in progress; partial results are discarded by the caller
// (the manifest is never advanced).
func (p *Pipeline) uploadAll(ctx context.Context, suppressed context.Context, part dedupmodel.Partition, localDir, kind string, ts int64, files []string) error {
	if len(files) == 0 {
		return nil
	}

	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(suppressed, cancel)
	defer stop()

	errs := make(chan error, len(files))
	var wg sync.WaitGroup

	for _, f := range files {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		case <-suppressed.Done():
			return suppressed.Err()
		}

		wg.Add(1)
		go func(fileName string) {
			defer wg.Done()
			defer func() { <-p.sem }()

			key := uploadKey(p.cfg.RemotePrefix, part.Topic, part.Number, kind, ts, fileName)
			file, err := os.Open(filepath.Join(localDir, fileName))
			if err != nil {
				errs <- err
				return
			}
			defer file.Close()

			info, err := file.Stat()
			if err != nil {
				errs <- err
				return
			}

			if err := p.remote.Put(uploadCtx, key, file, info.Size()); err != nil {
				errs <- fmt.Errorf("upload %s: %w", fileName, err)
				return
			}
			errs <- nil
		}(f)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) pruneLocal(st *perStoreState) {
	for len(st.localDirs) > p.cfg.MaxLocalCheckpoints {
		stale := st.localDirs[0]
		st.localDirs = st.localDirs[1:]
		if err := os.RemoveAll(stale); err != nil {
			p.log.Warn().Err(err).Str("dir", stale).Msg("failed to prune local checkpoint")
		}
	}
}

func (p *Pipeline) pruneRemote(ctx context.Context, part dedupmodel.Partition) {
	for _, kind := range []string{"full", "incremental"} {
		prefix := filepath.ToSlash(filepath.Join(p.cfg.RemotePrefix, partitionDir(part.Topic, part.Number), kind)) + "/"
		objs, err := p.remote.List(ctx, prefix)
		if err != nil {
			p.log.Warn().Err(err).Str("partition", part.String()).Msg("failed to list remote checkpoints for pruning")
			continue
		}

		byTimestamp := groupByTimestampDir(objs)
		if len(byTimestamp) <= p.cfg.RemoteRetention {
			continue
		}

		timestamps := make([]string, 0, len(byTimestamp))
		for ts := range byTimestamp {
			timestamps = append(timestamps, ts)
		}
		sort.Strings(timestamps)

		stale := timestamps[:len(timestamps)-p.cfg.RemoteRetention]
		for _, ts := range stale {
			for _, key := range byTimestamp[ts] {
				if err := p.remote.Delete(ctx, key); err != nil {
					p.log.Warn().Err(err).Str("key", key).Msg("failed to prune remote checkpoint object")
				}
			}
		}
	}
}

func groupByTimestampDir(objs []objectstore.Object) map[string][]string {
	out := make(map[string][]string)
	for _, o := range objs {
		dir := filepath.Dir(o.Key)     // .../{timestamp}/{file}
		ts := filepath.Base(dir)       // {timestamp}
		out[ts] = append(out[ts], o.Key)
	}
	return out
}
