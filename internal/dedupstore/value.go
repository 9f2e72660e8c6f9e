package dedupstore

import (
	"bytes"
	"encoding/gob"

	"github.com/google/uuid"
)

// maxSeenSet bounds the cross-reference sets stored per entry so a single
// hot key cannot grow its value without bound.
const maxSeenSet = 64

// Codec is encoding/gob. None of the pack's Go repos hand-roll a custom
// binary value codec for an embedded KV store (the Rust original uses
// bincode, which has no direct Go sibling in the corpus); the value never
// crosses a service boundary, so gob's reflection-based encoding is an
// acceptable, unremarkable stdlib choice here.
var _ = gob.NewEncoder

// EventSnapshot is the minimal immutable copy of an Event stored as the
// "original_event" in a dedup entry.
type EventSnapshot struct {
	Token      string
	DistinctID string
	Name       string
	Timestamp  uint64
	UUID       uuid.UUID
	HasUUID    bool
}

// TimestampMetadata is the value stored under a timestamp-key.
type TimestampMetadata struct {
	Original       EventSnapshot
	DuplicateCount uint64
	SeenUUIDs      []uuid.UUID
}

func (m *TimestampMetadata) addSeenUUID(id uuid.UUID) {
	for _, u := range m.SeenUUIDs {
		if u == id {
			return
		}
	}
	if len(m.SeenUUIDs) >= maxSeenSet {
		return
	}
	m.SeenUUIDs = append(m.SeenUUIDs, id)
}

func (m *TimestampMetadata) hasSeenUUID(id uuid.UUID) bool {
	for _, u := range m.SeenUUIDs {
		if u == id {
			return true
		}
	}
	return false
}

// UUIDMetadata is the value stored under a UUID-key.
type UUIDMetadata struct {
	Original       EventSnapshot
	DuplicateCount uint64
	SeenTimestamps []uint64
}

func (m *UUIDMetadata) addSeenTimestamp(ts uint64) {
	for _, t := range m.SeenTimestamps {
		if t == ts {
			return
		}
	}
	if len(m.SeenTimestamps) >= maxSeenSet {
		return
	}
	m.SeenTimestamps = append(m.SeenTimestamps, ts)
}

func encodeTimestampMetadata(m *TimestampMetadata) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeTimestampMetadata(b []byte) (*TimestampMetadata, error) {
	var m TimestampMetadata
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func encodeUUIDMetadata(m *UUIDMetadata) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeUUIDMetadata(b []byte) (*UUIDMetadata, error) {
	var m UUIDMetadata
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}
