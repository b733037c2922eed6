package ledger

import (
	"errors"
	"fmt"
)

// ErrConcurrencyViolation is returned when two appends to the same chain are
// found interleaved, or when the stored chain tip no longer matches the
// engine's cursor. It is an invariant breach, not a retryable condition.
var ErrConcurrencyViolation = errors.New("concurrent append detected on chain")

// RejectionError is an expected refusal of an append: a compliance rule
// failed or the event id is already taken. Nothing was written.
type RejectionError struct {
	Rule    string
	Reason  string
	EventID string
}

func (e *RejectionError) Error() string {
	if e.Rule == "" {
		return "event rejected: " + e.Reason
	}
	return fmt.Sprintf("event rejected by %s: %s", e.Rule, e.Reason)
}

// ChainIntegrityError reports a chain-link or root mismatch found during
// verification. Index is the zero-based position within ChainID of the
// first broken record, or -1 for a Merkle root mismatch.
type ChainIntegrityError struct {
	ChainID string
	Index   int
	EventID string
	Reason  string
}

func (e *ChainIntegrityError) Error() string {
	if e.Index < 0 {
		return "ledger integrity: " + e.Reason
	}
	return fmt.Sprintf("ledger integrity: chain %s broken at index %d (event %s): %s",
		e.ChainID, e.Index, e.EventID, e.Reason)
}

// StorageError wraps a failure of the persistence backend. No visible ledger
// state changed, so the operation may be retried.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
