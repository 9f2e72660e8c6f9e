// Package dedupmodel holds the event shape the dedup engine consumes.
//
// The source event carries many opaque properties; dedup only ever looks
// at the four canonical fields below plus the optional UUID. Everything
// else passes through as an opaque blob for downstream consumers.
package dedupmodel

import (
	"strconv"

	"github.com/google/uuid"
)

// Event is the subset of an ingested event the dedup engine reasons about.
type Event struct {
	Token      string
	DistinctID string
	Name       string
	Timestamp  uint64 // unix millis
	UUID       uuid.UUID
	HasUUID    bool

	// Properties is the opaque pass-through blob; dedup never inspects it.
	Properties []byte
}

// Partition identifies one shard of the source event log.
type Partition struct {
	Topic  string
	Number int32
}

func (p Partition) String() string {
	return p.Topic + "/" + strconv.Itoa(int(p.Number))
}
