// Package dedupkey encodes the two dedup key variants so that byte-wise
// ordering of the encoded form equals field-tuple ordering, matching
// pebble's lexicographic key space.
package dedupkey

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/posthog/kafka-deduplicator/internal/dedupmodel"
)

// Keyspace is a one-byte prefix standing in for RocksDB-style column
// families; pebble has no native CF concept, so each logical keyspace the
// spec describes (timestamp index, UUID index, UUID-timestamp auxiliary
// index) gets one byte of its own key prefix inside a single pebble
// instance per partition.
type Keyspace byte

const (
	KeyspaceTimestamp Keyspace = 't'
	KeyspaceUUID      Keyspace = 'u'
	KeyspaceAux       Keyspace = 'x'
)

// Timestamp builds the timestamp-key: (timestamp_ms, token, distinct_id,
// event_name), big-endian fixed-width timestamp prefix followed by
// null-separated strings so lexicographic byte order equals tuple order.
func Timestamp(e *dedupmodel.Event) []byte {
	return timestampKey(e.Timestamp, e.Token, e.DistinctID, e.Name)
}

func timestampKey(ts uint64, token, distinctID, name string) []byte {
	buf := make([]byte, 0, 1+8+len(token)+1+len(distinctID)+1+len(name))
	buf = append(buf, byte(KeyspaceTimestamp))
	buf = binary.BigEndian.AppendUint64(buf, ts)
	buf = append(buf, token...)
	buf = append(buf, 0)
	buf = append(buf, distinctID...)
	buf = append(buf, 0)
	buf = append(buf, name...)
	return buf
}

// TimestampPrefixUpperBound returns the exclusive upper bound of the
// timestamp-keyspace range covering every key with timestamp < cutMs. It is
// used directly as the end key of a DeleteRange / iterator bound.
func TimestampPrefixUpperBound(cutMs uint64) []byte {
	buf := make([]byte, 0, 9)
	buf = append(buf, byte(KeyspaceTimestamp))
	buf = binary.BigEndian.AppendUint64(buf, cutMs)
	return buf
}

// TimestampKeyspaceLowerBound is the minimum key in the timestamp keyspace.
func TimestampKeyspaceLowerBound() []byte {
	return []byte{byte(KeyspaceTimestamp)}
}

// TimestampKeyspaceUpperBound is the exclusive max key in the timestamp keyspace.
func TimestampKeyspaceUpperBound() []byte {
	return []byte{byte(KeyspaceTimestamp) + 1}
}

// UUID builds the UUID-key: (token, uuid). Only constructed when the event
// carries a UUID.
func UUID(e *dedupmodel.Event) []byte {
	return uuidKey(e.Token, e.UUID)
}

func uuidKey(token string, id uuid.UUID) []byte {
	buf := make([]byte, 0, 1+len(token)+1+16)
	buf = append(buf, byte(KeyspaceUUID))
	buf = append(buf, token...)
	buf = append(buf, 0)
	buf = append(buf, id[:]...)
	return buf
}

// AuxIndex builds the UUID-timestamp auxiliary index entry key:
// (timestamp_ms, uuid_key_bytes). This keyspace exists solely so UUID
// entries can be range-deleted by timestamp prefix, which the UUID index
// alone (keyed by token+uuid) cannot support.
func AuxIndex(ts uint64, uuidKeyBytes []byte) []byte {
	buf := make([]byte, 0, 1+8+len(uuidKeyBytes))
	buf = append(buf, byte(KeyspaceAux))
	buf = binary.BigEndian.AppendUint64(buf, ts)
	buf = append(buf, uuidKeyBytes...)
	return buf
}

// AuxPrefixUpperBound mirrors TimestampPrefixUpperBound for the aux keyspace.
func AuxPrefixUpperBound(cutMs uint64) []byte {
	buf := make([]byte, 0, 9)
	buf = append(buf, byte(KeyspaceAux))
	buf = binary.BigEndian.AppendUint64(buf, cutMs)
	return buf
}

// AuxKeyspaceLowerBound is the minimum key in the aux keyspace.
func AuxKeyspaceLowerBound() []byte {
	return []byte{byte(KeyspaceAux)}
}

// AuxTimestamp extracts the embedded timestamp from an aux index key.
func AuxTimestamp(auxKey []byte) uint64 {
	return binary.BigEndian.Uint64(auxKey[1:9])
}

// AuxUUIDKey extracts the referenced UUID-key bytes from an aux index key.
func AuxUUIDKey(auxKey []byte) []byte {
	out := make([]byte, len(auxKey)-9)
	copy(out, auxKey[9:])
	return out
}

// TimestampFromKey extracts the embedded timestamp from a timestamp-key.
func TimestampFromKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[1:9])
}
