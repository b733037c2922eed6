// Package storage provides the append-only persistence contract the ledger
// engine depends on, with in-memory and PostgreSQL implementations.
//
// Implementations must make a record durable before Append returns, must
// never modify or delete an appended record, and must return query results
// ordered by Record.Sequence.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/gitdigital/ledgercore/internal/digest"
	"github.com/gitdigital/ledgercore/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when an event id is already taken.
	ErrDuplicate = errors.New("record already exists")

	// ErrConflict is returned when a record does not extend the current
	// state: its sequence is not the next one, or its previous hash is not
	// the tip of its chain. It means another writer appended concurrently.
	ErrConflict = errors.New("record does not extend the ledger tip")
)

// Filter narrows a Query. Zero fields are not applied. Start and End are
// inclusive bounds on Record.Timestamp.
type Filter struct {
	EntityID string
	ChainID  string
	Start    *time.Time
	End      *time.Time
}

// Match reports whether rec satisfies f.
func (f Filter) Match(rec *model.Record) bool {
	if f.EntityID != "" && rec.Event.EntityID != f.EntityID {
		return false
	}
	if f.ChainID != "" && rec.ChainID != f.ChainID {
		return false
	}
	if f.Start != nil && rec.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && rec.Timestamp.After(*f.End) {
		return false
	}
	return true
}

// Store is the append-only persistence contract.
type Store interface {
	// Append durably stores rec. It returns ErrDuplicate if rec's event id
	// is already present and ErrConflict if rec does not extend the tip.
	Append(ctx context.Context, rec *model.Record) error

	// Get returns the record with the given event id, or ErrNotFound.
	Get(ctx context.Context, eventID string) (*model.Record, error)

	// Query returns matching records ordered by sequence.
	Query(ctx context.Context, f Filter) ([]*model.Record, error)

	// LatestDigest returns the digest of the last record in chainID. ok is
	// false when the chain has no records.
	LatestDigest(ctx context.Context, chainID string) (d digest.Hash, ok bool, err error)
}
