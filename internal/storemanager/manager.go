// Package storemanager owns one dedupstore.Store per assigned partition,
// per spec §4.B: atomic insert-if-missing, global byte-budget eviction,
// and clean teardown on revocation.
package storemanager

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"

	"github.com/posthog/kafka-deduplicator/internal/dedupmodel"
	"github.com/posthog/kafka-deduplicator/internal/dedupstore"
	"github.com/posthog/kafka-deduplicator/internal/metrics"
	"github.com/posthog/kafka-deduplicator/internal/rebalance"
)

// Config configures the manager's store creation and eviction behavior.
type Config struct {
	Root            string
	MaxCapacity     uint64 // aggregate byte ceiling across all stores
	MemTableSize    uint64
	BloomBitsPerKey int
}

type partitionKey = dedupmodel.Partition

type entry struct {
	store *dedupstore.Store
	dir   string // parent directory removed wholesale on Remove
}

// Manager maps partition -> store. Per-partition creation is serialized
// with a lazily-created mutex per key so concurrent GetOrCreate calls for
// the SAME partition block on each other while distinct partitions proceed
// in parallel, matching spec §4.B's insert-if-missing requirement.
type Manager struct {
	cfg Config
	log zerolog.Logger

	cache *pebble.Cache

	mu         sync.Mutex
	stores     map[partitionKey]*entry
	creating   map[partitionKey]*sync.Mutex
	metricsHub *metrics.Hub
	rebalancer *rebalance.Tracker
}

// New builds a manager with a shared block cache sized for the whole
// process (spec §5: "Global block cache and write-buffer budget are
// shared across every store on a worker"). rebalancer may be nil in tests
// that don't exercise rebalance-aware cleanup skipping.
func New(cfg Config, cacheBytes int64, hub *metrics.Hub, rebalancer *rebalance.Tracker, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		log:        log,
		cache:      pebble.NewCache(cacheBytes),
		stores:     make(map[partitionKey]*entry),
		creating:   make(map[partitionKey]*sync.Mutex),
		metricsHub: hub,
		rebalancer: rebalancer,
	}
}

// Get returns the store for a partition if one exists, without creating it.
func (m *Manager) Get(p dedupmodel.Partition) (*dedupstore.Store, bool) {
	m.mu.Lock()
	e, ok := m.stores[p]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return e.store, true
}

// GetOrCreate returns the existing store for p or atomically creates one.
// The on-disk location is {root}/{topic}_{p}/{creation_timestamp_ms}; the
// timestamp suffix avoids colliding with a zombie directory from a store
// that was revoked but not yet reaped.
func (m *Manager) GetOrCreate(p dedupmodel.Partition) (*dedupstore.Store, error) {
	if s, ok := m.Get(p); ok {
		return s, nil
	}

	m.mu.Lock()
	lock, ok := m.creating[p]
	if !ok {
		lock = &sync.Mutex{}
		m.creating[p] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	// Re-check: another goroutine may have finished while we waited.
	if s, ok := m.Get(p); ok {
		return s, nil
	}

	dir := m.buildStoreDir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store parent dir: %w", err)
	}
	storePath := filepath.Join(dir, "db")

	s, err := dedupstore.Open(dedupstore.Config{
		Path:            storePath,
		Cache:           m.cache,
		MemTableSize:    m.cfg.MemTableSize,
		BloomBitsPerKey: m.cfg.BloomBitsPerKey,
	}, p.Topic, p.Number, m.log)
	if err != nil {
		// Another caller may have won the race and already registered a
		// store for this partition; fall through to its winner instead
		// of surfacing our own failure.
		if winner, ok := m.Get(p); ok {
			m.log.Warn().Str("partition", p.String()).Msg("store creation lost race, using winner")
			return winner, nil
		}
		return nil, fmt.Errorf("open store for %s: %w", p, err)
	}

	m.mu.Lock()
	m.stores[p] = &entry{store: s, dir: dir}
	delete(m.creating, p)
	m.mu.Unlock()

	if m.metricsHub != nil {
		m.metricsHub.StoresTotal.Inc()
	}
	return s, nil
}

// AdoptCheckpoint opens a store from a checkpoint directory downloaded by
// checkpoint.Restore instead of creating a fresh empty store, for the
// new-owner side of a partition handoff (spec §4.E's Warming->Ready
// transition, spec §4.D's restore path). checkpointDir is moved into the
// manager's own store layout rather than opened in place, so it is subject
// to the same lifecycle (Remove, retention) as any other store.
func (m *Manager) AdoptCheckpoint(p dedupmodel.Partition, checkpointDir string) (*dedupstore.Store, error) {
	if s, ok := m.Get(p); ok {
		return s, nil
	}

	m.mu.Lock()
	lock, ok := m.creating[p]
	if !ok {
		lock = &sync.Mutex{}
		m.creating[p] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	if s, ok := m.Get(p); ok {
		return s, nil
	}

	dir := m.buildStoreDir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store parent dir: %w", err)
	}
	storePath := filepath.Join(dir, "db")
	if err := os.Rename(checkpointDir, storePath); err != nil {
		return nil, fmt.Errorf("adopt checkpoint into store dir: %w", err)
	}

	s, err := dedupstore.Open(dedupstore.Config{
		Path:            storePath,
		Cache:           m.cache,
		MemTableSize:    m.cfg.MemTableSize,
		BloomBitsPerKey: m.cfg.BloomBitsPerKey,
	}, p.Topic, p.Number, m.log)
	if err != nil {
		if winner, ok := m.Get(p); ok {
			m.log.Warn().Str("partition", p.String()).Msg("store creation lost race, using winner")
			return winner, nil
		}
		return nil, fmt.Errorf("open adopted store for %s: %w", p, err)
	}

	m.mu.Lock()
	m.stores[p] = &entry{store: s, dir: dir}
	delete(m.creating, p)
	m.mu.Unlock()

	if m.metricsHub != nil {
		m.metricsHub.StoresTotal.Inc()
	}
	return s, nil
}

func (m *Manager) buildStoreDir(p dedupmodel.Partition) string {
	now := time.Now().UnixMilli()
	dirName := fmt.Sprintf("%s_%d", p.Topic, p.Number)
	return filepath.Join(m.cfg.Root, dirName, fmt.Sprintf("%d", now))
}

// Remove drops the store from the map, closes it, and best-effort deletes
// its on-disk directory. Failure to delete is logged and ignored: a later
// restart may reclaim it, or a concurrent create may have raced.
func (m *Manager) Remove(p dedupmodel.Partition) {
	m.mu.Lock()
	e, ok := m.stores[p]
	if ok {
		delete(m.stores, p)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := e.store.Close(); err != nil {
		m.log.Warn().Err(err).Str("partition", p.String()).Msg("error closing store on removal")
	}
	if err := os.RemoveAll(e.dir); err != nil {
		m.log.Warn().Err(err).Str("dir", e.dir).Msg("best-effort store directory removal failed")
	}
	if m.metricsHub != nil {
		m.metricsHub.StoresTotal.Dec()
	}
}

// Partitions returns a snapshot of currently owned partitions.
func (m *Manager) Partitions() []dedupmodel.Partition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]dedupmodel.Partition, 0, len(m.stores))
	for p := range m.stores {
		out = append(out, p)
	}
	return out
}

// CleanupIfOverBudget implements spec §4.B's global eviction pass. Skipped
// entirely while a rebalance is in progress: a store mid-handoff must not
// be mutated concurrently with FinalizeRevocation/Remove racing it.
func (m *Manager) CleanupIfOverBudget() (uint64, error) {
	if m.rebalancer != nil && m.rebalancer.IsRebalancing() {
		m.log.Debug().Msg("skipping cleanup pass, rebalance in progress")
		return 0, nil
	}

	snapshot := m.snapshotStores()

	var total uint64
	for p, s := range snapshot {
		sz, err := s.TotalSize()
		if err != nil {
			m.log.Warn().Err(err).Str("partition", p.String()).Msg("failed to size store, skipping in budget calc")
			continue
		}
		total += sz
		if m.metricsHub != nil {
			m.metricsHub.WithPartition(p.Topic, p.Number).Set(float64(sz))
		}
	}

	if total == 0 || total <= m.cfg.MaxCapacity {
		return 0, nil
	}

	target := uint64(0.8 * float64(m.cfg.MaxCapacity))
	need := total - target
	f := float64(need) / float64(total)
	if f > 0.3 {
		f = 0.3
	}

	var freed uint64
	for p, s := range snapshot {
		n, err := s.CleanupWithPercentage(f)
		if err != nil {
			// Eviction errors on one store must not abort others.
			m.log.Error().Err(err).Str("partition", p.String()).Msg("cleanup failed for store")
			continue
		}
		freed += n
		if m.metricsHub != nil {
			m.metricsHub.CleanupBytesFreed.Add(float64(n))
		}
	}
	return freed, nil
}

// NeedsCleanup reports whether the aggregate footprint currently exceeds
// the configured ceiling.
func (m *Manager) NeedsCleanup() bool {
	if m.rebalancer != nil && m.rebalancer.IsRebalancing() {
		return false
	}
	snapshot := m.snapshotStores()
	var total uint64
	for _, s := range snapshot {
		sz, err := s.TotalSize()
		if err != nil {
			continue
		}
		total += sz
	}
	return total > m.cfg.MaxCapacity
}

func (m *Manager) snapshotStores() map[partitionKey]*dedupstore.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[partitionKey]*dedupstore.Store, len(m.stores))
	for k, e := range m.stores {
		out[k] = e.store
	}
	return out
}

// CleanupHandle is the RAII handle returned by StartPeriodicCleanup.
type CleanupHandle struct {
	stop chan struct{}
	done chan struct{}
}

// Stop signals the periodic cleanup goroutine to exit, waiting up to 5s.
func (h *CleanupHandle) Stop() {
	close(h.stop)
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
	}
}

// StartPeriodicCleanup spawns a background goroutine that invokes
// CleanupIfOverBudget on a fixed interval whenever NeedsCleanup is true.
// Uses a time.Ticker, whose single-slot buffered channel already implements
// the "missed-tick policy: skip, never burst" spec §4.B asks for without
// needing a dedicated scheduling library.
func (m *Manager) StartPeriodicCleanup(interval time.Duration) *CleanupHandle {
	h := &CleanupHandle{stop: make(chan struct{}), done: make(chan struct{})}
	ticker := time.NewTicker(interval)

	go func() {
		defer close(h.done)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				if !m.NeedsCleanup() {
					continue
				}
				freed, err := m.CleanupIfOverBudget()
				if err != nil {
					m.log.Error().Err(err).Msg("periodic cleanup failed")
					continue
				}
				if freed > 0 {
					m.log.Info().Uint64("bytes_freed", freed).Msg("periodic cleanup freed bytes")
				}
			}
		}
	}()

	return h
}
