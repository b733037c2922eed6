// Package model holds the event and record types shared by the ledger
// engine, its storage backends and the HTTP layer.
package model

import (
	"encoding/json"
	"time"

	"github.com/gitdigital/ledgercore/internal/digest"
)

// Event is the caller-supplied payload of a ledger append.
type Event struct {
	EntityID  string          `json:"entity_id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Side is the position of a sibling digest relative to the running hash
// when an inclusion path is folded.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// PathStep is one sibling on a Merkle authentication path.
type PathStep struct {
	Hash digest.Hash `json:"hash"`
	Side Side        `json:"side"`
}

// MerklePath lists siblings from the leaf level up to the root.
type MerklePath []PathStep

// Record is a persisted, chained ledger entry. Records are immutable once
// written.
type Record struct {
	EventID      string          `json:"event_id"`
	Sequence     uint64          `json:"sequence"`     // global append position, equals the Merkle leaf index
	ChainID      string          `json:"chain_id"`
	Timestamp    time.Time       `json:"timestamp"`
	Event        Event           `json:"event"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	PreviousHash digest.Hash     `json:"previous_hash"`
	Digest       digest.Hash     `json:"digest"`
	Signature    []byte          `json:"signature,omitempty"`
	MerklePath   MerklePath      `json:"merkle_path"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Event.Data = cloneBytes(r.Event.Data)
	out.Event.Metadata = cloneBytes(r.Event.Metadata)
	out.Metadata = cloneBytes(r.Metadata)
	out.Signature = cloneBytes(r.Signature)
	if r.MerklePath != nil {
		out.MerklePath = make(MerklePath, len(r.MerklePath))
		copy(out.MerklePath, r.MerklePath)
	}
	return &out
}

func cloneBytes[T ~[]byte](b T) T {
	if b == nil {
		return nil
	}
	out := make(T, len(b))
	copy(out, b)
	return out
}
