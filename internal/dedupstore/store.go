// Package dedupstore implements the per-partition dedup engine of spec
// §4.A: an embedded LSM keyed by two logical indices (timestamp-ordered
// and UUID-keyed), with TTL-driven eviction against a byte budget and
// point-in-time checkpointing.
package dedupstore

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/rs/zerolog"

	"github.com/posthog/kafka-deduplicator/internal/dedupkey"
	"github.com/posthog/kafka-deduplicator/internal/dedupmodel"
	"github.com/posthog/kafka-deduplicator/internal/errs"
)

// DeduplicationType names which index a confirmed/potential duplicate hit
// was classified against.
type DeduplicationType int

const (
	IndexTimestamp DeduplicationType = iota
	IndexUUID
)

func (t DeduplicationType) String() string {
	if t == IndexUUID {
		return "uuid"
	}
	return "timestamp"
}

// Reason explains why a ConfirmedDuplicate fired.
type Reason int

const (
	ReasonSameEvent Reason = iota
	ReasonOnlyUUIDDiffers
	ReasonOnlyTimestampDiffers
)

func (r Reason) String() string {
	switch r {
	case ReasonOnlyUUIDDiffers:
		return "only-uuid-differs"
	case ReasonOnlyTimestampDiffers:
		return "only-timestamp-differs"
	default:
		return "same-event"
	}
}

// Outcome is the classify_and_record return type.
type Outcome struct {
	Status ResultStatus
	Index  DeduplicationType
	Reason Reason
}

type ResultStatus int

const (
	New ResultStatus = iota
	ConfirmedDuplicate
	PotentialDuplicate
	Skipped
)

func (s ResultStatus) String() string {
	switch s {
	case ConfirmedDuplicate:
		return "confirmed_duplicate"
	case PotentialDuplicate:
		return "potential_duplicate"
	case Skipped:
		return "skipped"
	default:
		return "new"
	}
}

// maxEvictionFraction caps cleanup_with_percentage per spec §9: chosen to
// avoid pathological wipes during small-store cold starts.
const maxEvictionFraction = 0.3

// Config configures a single partition's store.
type Config struct {
	// Root directory the store's files live under.
	Path string
	// Cache is the process-wide shared block cache (spec §5 "global
	// mutable state ... explicit process-wide singletons").
	Cache *pebble.Cache
	// MemTableSize bounds the per-store write buffer. Nothing bounds the
	// aggregate write buffer across stores: StoreManager passes the same
	// per-store size to every store and enforces no shared budget.
	MemTableSize uint64
	// BloomBitsPerKey sizes the point-lookup bloom filter (spec §4.A:
	// "10-bit Bloom filters" default).
	BloomBitsPerKey int
}

func (c Config) withDefaults() Config {
	if c.MemTableSize == 0 {
		c.MemTableSize = 4 << 20
	}
	if c.BloomBitsPerKey == 0 {
		c.BloomBitsPerKey = 10
	}
	return c
}

// Store is one partition's dedup engine. It has no states beyond open and
// closed; closed is reached only via Close, called by the Store Manager.
type Store struct {
	mu        sync.RWMutex
	db        *pebble.DB
	topic     string
	partition int32
	log       zerolog.Logger
	closed    bool
}

// Open creates or opens the store at cfg.Path.
func Open(cfg Config, topic string, partition int32, log zerolog.Logger) (*Store, error) {
	cfg = cfg.withDefaults()

	opts := &pebble.Options{
		Cache:        cfg.Cache,
		MemTableSize: cfg.MemTableSize,
		Levels: []pebble.LevelOptions{{
			FilterPolicy: bloom.FilterPolicy(cfg.BloomBitsPerKey),
		}},
	}
	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, &errs.StoreCorruption{Path: cfg.Path, Err: err}
	}
	return &Store{
		db:        db,
		topic:     topic,
		partition: partition,
		log:       log.With().Str("topic", topic).Int32("partition", partition).Logger(),
	}, nil
}

// Close releases the underlying pebble handle. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// ClassifyAndRecord implements spec §4.A's classify_and_record.
func (s *Store) ClassifyAndRecord(e *dedupmodel.Event) (Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Outcome{}, fmt.Errorf("store for %s/%d is closed", s.topic, s.partition)
	}

	tsKeyBytes := dedupkey.Timestamp(e)
	tsVal, tsCloser, err := s.db.Get(tsKeyBytes)
	tsPresent := err == nil
	if err != nil && err != pebble.ErrNotFound {
		return Outcome{}, fmt.Errorf("probe timestamp index: %w", err)
	}
	var tsMeta *TimestampMetadata
	if tsPresent {
		tsMeta, err = decodeTimestampMetadata(tsVal)
		tsCloser.Close()
		if err != nil {
			return Outcome{}, fmt.Errorf("decode timestamp metadata: %w", err)
		}
	}

	var uuidKeyBytes []byte
	var uuidPresent bool
	var uuidMeta *UUIDMetadata
	if e.HasUUID {
		uuidKeyBytes = dedupkey.UUID(e)
		uuidVal, uuidCloser, err := s.db.Get(uuidKeyBytes)
		uuidPresent = err == nil
		if err != nil && err != pebble.ErrNotFound {
			return Outcome{}, fmt.Errorf("probe uuid index: %w", err)
		}
		if uuidPresent {
			uuidMeta, err = decodeUUIDMetadata(uuidVal)
			uuidCloser.Close()
			if err != nil {
				return Outcome{}, fmt.Errorf("decode uuid metadata: %w", err)
			}
		}
	}

	switch {
	case !tsPresent && (!e.HasUUID || !uuidPresent):
		// New: neither index has seen this combination.
		if err := s.writeNew(e, tsKeyBytes, uuidKeyBytes); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: New}, nil

	case !tsPresent && e.HasUUID && uuidPresent:
		// Case 4: UUID-key present, timestamp-key absent -> disagree on
		// timestamp only.
		return Outcome{Status: ConfirmedDuplicate, Index: IndexUUID, Reason: ReasonOnlyTimestampDiffers}, nil

	case tsPresent && e.HasUUID && !uuidPresent:
		// Case 3, with the defensive PotentialDuplicate corner case from
		// SPEC_FULL.md's Open Question resolution: if the stored
		// timestamp entry's cross-reference already remembers this exact
		// UUID, the missing UUID-index entry violates the store's
		// invariant (can only happen via a partial write recovered from a
		// stale checkpoint) and is reported as ambiguous rather than
		// confirmed.
		if tsMeta.hasSeenUUID(e.UUID) {
			return Outcome{Status: PotentialDuplicate, Index: IndexUUID}, nil
		}
		tsMeta.DuplicateCount++
		tsMeta.addSeenUUID(e.UUID)
		if err := s.putTimestampMetadata(tsKeyBytes, tsMeta); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: ConfirmedDuplicate, Index: IndexTimestamp, Reason: ReasonOnlyUUIDDiffers}, nil

	case tsPresent && !e.HasUUID:
		// No UUID on the incoming event: the timestamp-key alone encodes
		// all four canonical fields, so a hit here is the same event.
		tsMeta.DuplicateCount++
		if err := s.putTimestampMetadata(tsKeyBytes, tsMeta); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: ConfirmedDuplicate, Index: IndexTimestamp, Reason: ReasonSameEvent}, nil

	default:
		// tsPresent && uuidPresent: both indices agree, same event.
		tsMeta.DuplicateCount++
		tsMeta.addSeenUUID(e.UUID)
		uuidMeta.DuplicateCount++
		uuidMeta.addSeenTimestamp(e.Timestamp)
		if err := s.putTimestampMetadata(tsKeyBytes, tsMeta); err != nil {
			return Outcome{}, err
		}
		if err := s.putUUIDMetadata(uuidKeyBytes, uuidMeta); err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: ConfirmedDuplicate, Index: IndexTimestamp, Reason: ReasonSameEvent}, nil
	}
}

func (s *Store) writeNew(e *dedupmodel.Event, tsKeyBytes, uuidKeyBytes []byte) error {
	snap := EventSnapshot{
		Token: e.Token, DistinctID: e.DistinctID, Name: e.Name,
		Timestamp: e.Timestamp, UUID: e.UUID, HasUUID: e.HasUUID,
	}

	tsMeta := &TimestampMetadata{Original: snap}
	if e.HasUUID {
		tsMeta.addSeenUUID(e.UUID)
	}
	tsVal, err := encodeTimestampMetadata(tsMeta)
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(tsKeyBytes, tsVal, nil); err != nil {
		return err
	}

	if e.HasUUID {
		uuidMeta := &UUIDMetadata{Original: snap}
		uuidMeta.addSeenTimestamp(e.Timestamp)
		uuidVal, err := encodeUUIDMetadata(uuidMeta)
		if err != nil {
			return err
		}
		if err := batch.Set(uuidKeyBytes, uuidVal, nil); err != nil {
			return err
		}
		auxKey := dedupkey.AuxIndex(e.Timestamp, uuidKeyBytes)
		if err := batch.Set(auxKey, uuidKeyBytes, nil); err != nil {
			return err
		}
	}

	// Non-sync: WAL append only, no fsync. Crash loses unflushed writes;
	// the caller tolerates this because the source log will replay.
	if err := batch.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("commit new entry batch: %w", err)
	}
	return nil
}

func (s *Store) putTimestampMetadata(key []byte, m *TimestampMetadata) error {
	val, err := encodeTimestampMetadata(m)
	if err != nil {
		return err
	}
	if err := s.db.Set(key, val, pebble.NoSync); err != nil {
		return fmt.Errorf("put timestamp metadata: %w", err)
	}
	return nil
}

func (s *Store) putUUIDMetadata(key []byte, m *UUIDMetadata) error {
	val, err := encodeUUIDMetadata(m)
	if err != nil {
		return err
	}
	if err := s.db.Set(key, val, pebble.NoSync); err != nil {
		return fmt.Errorf("put uuid metadata: %w", err)
	}
	return nil
}

// TotalSize returns the store's approximate on-disk footprint.
func (s *Store) TotalSize() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, nil
	}
	metrics := s.db.Metrics()
	return metrics.DiskSpaceUsage(), nil
}

// CleanupWithPercentage implements spec §4.A's byte-budget eviction. f must
// be in (0, 0.3].
func (s *Store) CleanupWithPercentage(f float64) (bytesFreed uint64, err error) {
	if f <= 0 || f > maxEvictionFraction {
		return 0, fmt.Errorf("cleanup fraction %f out of range (0, %f]", f, maxEvictionFraction)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, nil
	}

	before := s.db.Metrics().DiskSpaceUsage()

	t0, t1, ok, err := s.timestampSpan()
	if err != nil {
		return 0, fmt.Errorf("read timestamp span: %w", err)
	}
	if !ok {
		return 0, nil // empty store, nothing to evict
	}
	if t1 <= t0 {
		return 0, nil
	}
	cut := t0 + uint64(f*float64(t1-t0))

	if err := s.db.DeleteRange(dedupkey.TimestampKeyspaceLowerBound(), dedupkey.TimestampPrefixUpperBound(cut), pebble.NoSync); err != nil {
		return 0, fmt.Errorf("delete_range timestamp index: %w", err)
	}

	if err := s.deleteUUIDEntriesBelow(cut); err != nil {
		return 0, fmt.Errorf("delete stale uuid entries: %w", err)
	}

	if err := s.db.DeleteRange(dedupkey.AuxKeyspaceLowerBound(), dedupkey.AuxPrefixUpperBound(cut), pebble.NoSync); err != nil {
		return 0, fmt.Errorf("delete_range aux index: %w", err)
	}

	after := s.db.Metrics().DiskSpaceUsage()
	if after < before {
		bytesFreed = before - after
	}
	return bytesFreed, nil
}

func (s *Store) timestampSpan() (t0, t1 uint64, ok bool, err error) {
	lower := dedupkey.TimestampKeyspaceLowerBound()
	upper := dedupkey.TimestampKeyspaceUpperBound()
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, 0, false, err
	}
	defer it.Close()

	if !it.First() {
		return 0, 0, false, nil
	}
	t0 = dedupkey.TimestampFromKey(it.Key())

	if !it.Last() {
		return 0, 0, false, nil
	}
	t1 = dedupkey.TimestampFromKey(it.Key())
	return t0, t1, true, nil
}

// deleteUUIDEntriesBelow iterates the aux index from the start until the
// embedded timestamp reaches cut, batch-deleting the referenced UUID
// entries in groups of <=1000, per spec §4.A step 4.
func (s *Store) deleteUUIDEntriesBelow(cut uint64) error {
	lower := dedupkey.AuxKeyspaceLowerBound()
	upper := dedupkey.AuxPrefixUpperBound(cut)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer it.Close()

	const batchLimit = 1000
	batch := s.db.NewBatch()
	n := 0
	flush := func() error {
		if n == 0 {
			return nil
		}
		if err := batch.Commit(pebble.NoSync); err != nil {
			return err
		}
		batch = s.db.NewBatch()
		n = 0
		return nil
	}

	for valid := it.First(); valid; valid = it.Next() {
		uuidKeyBytes := dedupkey.AuxUUIDKey(it.Key())
		if err := batch.Delete(uuidKeyBytes, nil); err != nil {
			return err
		}
		n++
		if n >= batchLimit {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return batch.Close()
}

// Manifest is the ordered set of immutable data-file names present at
// checkpoint time.
type Manifest struct {
	Files     []string
	Timestamp time.Time
}

// Checkpoint flushes memtables then creates a pebble checkpoint (a
// hardlinked immutable file set) at dir, returning its file manifest.
// Hardlinking is essential so snapshots do not duplicate bytes on disk.
func (s *Store) Checkpoint(dir string) (Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Manifest{}, fmt.Errorf("store for %s/%d is closed", s.topic, s.partition)
	}

	if err := s.db.Flush(); err != nil {
		return Manifest{}, fmt.Errorf("flush before checkpoint: %w", err)
	}
	if err := s.db.Checkpoint(dir); err != nil {
		return Manifest{}, fmt.Errorf("pebble checkpoint: %w", err)
	}

	files, err := manifestFiles(dir)
	if err != nil {
		return Manifest{}, err
	}
	return Manifest{Files: files, Timestamp: time.Now()}, nil
}

func manifestFiles(dir string) ([]string, error) {
	entries, err := pebbleReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		files = append(files, filepath.Base(e))
	}
	return files, nil
}
