// Package chain implements the hash chain that links every ledger record to
// its predecessor in the same chain.
//
// A record's digest is SHA-256 over the canonical JSON encoding of its
// content fields. The digest is a pure function of the record, so any party
// holding the record set can replay the chain and reach the same result.
// The first record of a chain carries digest.Zero as its previous hash.
package chain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gitdigital/ledgercore/internal/digest"
	"github.com/gitdigital/ledgercore/internal/model"
)

// BreakError reports the first record at which a chain fails verification.
type BreakError struct {
	Index   int
	EventID string
	Reason  string
}

func (e *BreakError) Error() string {
	return fmt.Sprintf("hash chain broken at index %d (event %s): %s", e.Index, e.EventID, e.Reason)
}

// Digest computes the content digest of rec. Signature, MerklePath and the
// stored Digest field are not covered.
func Digest(rec *model.Record) (digest.Hash, error) {
	material, err := Material(rec)
	if err != nil {
		return digest.Zero, err
	}
	return digest.Sum(material), nil
}

// Material returns the canonical bytes that Digest hashes.
func Material(rec *model.Record) ([]byte, error) {
	data, err := Canonicalize(rec.Event.Data)
	if err != nil {
		return nil, fmt.Errorf("event data: %w", err)
	}
	eventMeta, err := Canonicalize(rec.Event.Metadata)
	if err != nil {
		return nil, fmt.Errorf("event metadata: %w", err)
	}
	meta, err := Canonicalize(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("record metadata: %w", err)
	}

	doc := map[string]any{
		"chain_id": rec.ChainID,
		"event": map[string]any{
			"entity_id":  rec.Event.EntityID,
			"event_type": rec.Event.EventType,
			"data":       json.RawMessage(data),
			"metadata":   json.RawMessage(eventMeta),
		},
		"event_id":      rec.EventID,
		"metadata":      json.RawMessage(meta),
		"previous_hash": rec.PreviousHash.String(),
		"sequence":      rec.Sequence,
		"timestamp":     rec.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	// encoding/json sorts map keys and the embedded raw values are already
	// canonical, so the result is canonical as a whole.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Link sets rec's previous hash, computes its digest and stores it on the
// record. The returned digest is the linkage material for the next record.
func Link(rec *model.Record, previous digest.Hash) (digest.Hash, error) {
	rec.PreviousHash = previous
	d, err := Digest(rec)
	if err != nil {
		return digest.Zero, err
	}
	rec.Digest = d
	return d, nil
}

// VerifySequence replays the records of one chain in order. It returns a
// *BreakError naming the first record whose stored digest, previous hash,
// chain id or timestamp is inconsistent, or nil if the chain is intact.
func VerifySequence(records []*model.Record) error {
	var prev *model.Record
	var prevDigest digest.Hash
	for i, rec := range records {
		d, err := Digest(rec)
		if err != nil {
			return &BreakError{Index: i, EventID: rec.EventID, Reason: err.Error()}
		}
		if d != rec.Digest {
			return &BreakError{Index: i, EventID: rec.EventID, Reason: "stored digest does not match content"}
		}

		if prev == nil {
			if rec.PreviousHash != digest.Zero {
				return &BreakError{Index: i, EventID: rec.EventID, Reason: "first record does not start from the sentinel hash"}
			}
		} else {
			if rec.ChainID != prev.ChainID {
				return &BreakError{Index: i, EventID: rec.EventID, Reason: "record belongs to chain " + rec.ChainID}
			}
			if rec.PreviousHash != prevDigest {
				return &BreakError{Index: i, EventID: rec.EventID, Reason: "previous_hash does not match preceding record"}
			}
			if !rec.Timestamp.After(prev.Timestamp) {
				return &BreakError{Index: i, EventID: rec.EventID, Reason: "timestamp not strictly increasing"}
			}
		}
		prev = rec
		prevDigest = d
	}
	return nil
}
