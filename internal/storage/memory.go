package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/gitdigital/ledgercore/internal/digest"
	"github.com/gitdigital/ledgercore/internal/model"
)

// MemoryStore is an in-memory, thread-safe Store. It is primarily useful for
// testing and for single-process deployments that do not require durable
// persistence across restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*model.Record
	byID    map[string]int
	tips    map[string]digest.Hash
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]int),
		tips: make(map[string]digest.Hash),
	}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, rec *model.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[rec.EventID]; ok {
		return fmt.Errorf("event %s: %w", rec.EventID, ErrDuplicate)
	}
	if rec.Sequence != uint64(len(s.records)) {
		return fmt.Errorf("sequence %d (next is %d): %w", rec.Sequence, len(s.records), ErrConflict)
	}
	if tip := s.tips[rec.ChainID]; rec.PreviousHash != tip {
		return fmt.Errorf("chain %s tip is %s: %w", rec.ChainID, tip, ErrConflict)
	}

	s.byID[rec.EventID] = len(s.records)
	s.records = append(s.records, rec.Clone())
	s.tips[rec.ChainID] = rec.Digest
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, eventID string) (*model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byID[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.records[idx].Clone(), nil
}

// Query implements Store.
func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]*model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*model.Record{}
	for _, rec := range s.records {
		if f.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// LatestDigest implements Store.
func (s *MemoryStore) LatestDigest(ctx context.Context, chainID string) (digest.Hash, bool, error) {
	if err := ctx.Err(); err != nil {
		return digest.Zero, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.tips[chainID]
	return d, ok, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
