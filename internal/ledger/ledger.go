// Package ledger implements the tamper-evident ledger engine. It gates
// appends through compliance rules, hash-links each record to the previous
// record of its chain, aggregates every record digest into a single global
// Merkle tree, and persists records through a storage.Store.
//
// Appends are serialised by one mutex covering link, aggregate, persist and
// commit. Visible state (chain cursors and the Merkle root) only changes
// after the store has accepted the record, so a failed append can be retried.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gitdigital/ledgercore/internal/chain"
	"github.com/gitdigital/ledgercore/internal/compliance"
	"github.com/gitdigital/ledgercore/internal/digest"
	"github.com/gitdigital/ledgercore/internal/merkle"
	"github.com/gitdigital/ledgercore/internal/model"
	"github.com/gitdigital/ledgercore/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notifier receives every record after it has been committed, in sequence
// order. Notify is called while appends are serialised and must not block.
type Notifier interface {
	Notify(rec *model.Record)
}

// RootInfo is a snapshot of the aggregate root.
type RootInfo struct {
	Root      digest.Hash
	TreeSize  int
	UpdatedAt time.Time
}

// InclusionProof proves that a record is a leaf of the current root.
type InclusionProof struct {
	EventID   string           `json:"event_id"`
	LeafIndex uint64           `json:"leaf_index"`
	TreeSize  int              `json:"tree_size"`
	Digest    digest.Hash      `json:"digest"`
	Path      model.MerklePath `json:"path"`
	Root      digest.Hash      `json:"root"`
}

// cursor is the committed tip of one chain.
type cursor struct {
	last   digest.Hash
	ts     time.Time
	length int
}

// Ledger is the append-only ledger engine. It is safe for concurrent use.
type Ledger struct {
	store        storage.Store
	validator    *compliance.Validator
	logger       *zap.Logger
	now          func() time.Time
	defaultChain string
	notifiers    []Notifier

	// appendMu serialises appends and gives verification a stable snapshot.
	appendMu sync.Mutex

	// mu guards the fields below. Writers also hold appendMu.
	mu        sync.RWMutex
	tree      *merkle.Tree
	chains    map[string]*cursor
	updatedAt time.Time
}

// Open builds a Ledger over store, replaying every stored record in sequence
// order to rebuild the Merkle tree and chain cursors. A nil validator admits
// every event.
func Open(ctx context.Context, store storage.Store, validator *compliance.Validator, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:        store,
		validator:    validator,
		logger:       zap.NewNop(),
		now:          time.Now,
		defaultChain: DefaultChainID,
		tree:         merkle.NewTree(),
		chains:       make(map[string]*cursor),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.validator == nil {
		l.validator = compliance.NewValidator()
	}

	recs, err := store.Query(ctx, storage.Filter{})
	if err != nil {
		return nil, &StorageError{Op: "replay", Err: err}
	}
	for _, rec := range recs {
		if rec.Sequence != uint64(l.tree.Size()) {
			return nil, &ChainIntegrityError{
				ChainID: rec.ChainID,
				Index:   l.chainLength(rec.ChainID),
				EventID: rec.EventID,
				Reason:  fmt.Sprintf("sequence %d found at position %d", rec.Sequence, l.tree.Size()),
			}
		}
		l.tree.Insert(rec.Digest)
		c := l.chains[rec.ChainID]
		if c == nil {
			c = &cursor{}
			l.chains[rec.ChainID] = c
		}
		c.last, c.ts = rec.Digest, rec.Timestamp
		c.length++
	}
	l.updatedAt = l.now().UTC()

	l.logger.Info("ledger opened",
		zap.Int("records", l.tree.Size()),
		zap.Int("chains", len(l.chains)),
		zap.String("merkle_root", l.tree.Root().String()),
	)
	return l, nil
}

// Append validates ev and, if it is admitted, appends it as a new record.
//
// Errors: *RejectionError when a rule refuses the event or the event id is
// taken; *StorageError when persistence fails; ErrConcurrencyViolation when
// the stored chain tip moved underneath the engine. In every error case no
// visible state changes.
func (l *Ledger) Append(ctx context.Context, ev model.Event, metadata json.RawMessage, opts ...AppendOption) (*model.Record, error) {
	cfg := appendConfig{chainID: l.defaultChain}
	for _, opt := range opts {
		opt(&cfg)
	}

	// Rules only ever see documents the digest can commit to unambiguously.
	if _, err := chain.Material(&model.Record{Event: ev, Metadata: metadata}); err != nil {
		return nil, &RejectionError{Rule: "schema", Reason: err.Error(), EventID: cfg.eventID}
	}

	cc := compliance.ChainContext{ChainID: cfg.chainID, Length: l.ChainLength(cfg.chainID)}
	if err := l.validator.Validate(ctx, &ev, cc); err != nil {
		var v *compliance.Violation
		if errors.As(err, &v) {
			l.logger.Info("event rejected",
				zap.String("rule", v.Rule),
				zap.String("reason", v.Reason),
				zap.String("chain_id", cfg.chainID),
				zap.String("entity_id", ev.EntityID),
			)
			return nil, &RejectionError{Rule: v.Rule, Reason: v.Reason, EventID: cfg.eventID}
		}
		return nil, fmt.Errorf("compliance: %w", err)
	}

	eventID := cfg.eventID
	if eventID == "" {
		eventID = uuid.NewString()
	} else if err := l.checkUnused(ctx, eventID); err != nil {
		return nil, err
	}

	rec := &model.Record{
		EventID:   eventID,
		ChainID:   cfg.chainID,
		Event:     ev,
		Metadata:  metadata,
		Signature: cfg.signature,
	}
	rec = rec.Clone()

	if err := l.appendLocked(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *Ledger) appendLocked(ctx context.Context, rec *model.Record) error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	// Only appenders write cursors and the tree, and they hold appendMu.
	cur := l.chains[rec.ChainID]
	prev := digest.Zero
	if cur != nil {
		prev = cur.last
	}

	tip, _, err := l.store.LatestDigest(ctx, rec.ChainID)
	if err != nil {
		return &StorageError{Op: "latest digest", Err: err}
	}
	if tip != prev {
		l.logger.Error("chain tip moved outside the append lock",
			zap.String("chain_id", rec.ChainID),
			zap.String("cursor", prev.String()),
			zap.String("stored_tip", tip.String()),
		)
		return fmt.Errorf("chain %s: %w", rec.ChainID, ErrConcurrencyViolation)
	}

	ts := l.now().UTC().Truncate(time.Microsecond)
	if cur != nil && !ts.After(cur.ts) {
		ts = cur.ts.Add(time.Microsecond)
	}
	rec.Timestamp = ts
	rec.Sequence = uint64(l.tree.Size())

	d, err := chain.Link(rec, prev)
	if err != nil {
		return &RejectionError{Rule: "schema", Reason: err.Error(), EventID: rec.EventID}
	}
	path, root := l.tree.Next(d)
	rec.MerklePath = path

	if err := l.store.Append(ctx, rec); err != nil {
		switch {
		case errors.Is(err, storage.ErrDuplicate):
			return &RejectionError{Rule: "duplicate_event_id", Reason: "event id already exists", EventID: rec.EventID}
		case errors.Is(err, storage.ErrConflict):
			l.logger.Error("store refused record as not extending the tip",
				zap.String("chain_id", rec.ChainID),
				zap.Uint64("sequence", rec.Sequence),
				zap.Error(err),
			)
			return fmt.Errorf("chain %s: %w", rec.ChainID, ErrConcurrencyViolation)
		default:
			l.logger.Warn("ledger append not persisted",
				zap.String("event_id", rec.EventID),
				zap.Error(err),
			)
			return &StorageError{Op: "append", Err: err}
		}
	}

	l.mu.Lock()
	l.tree.Insert(d)
	if cur == nil {
		cur = &cursor{}
		l.chains[rec.ChainID] = cur
	}
	cur.last, cur.ts = d, ts
	cur.length++
	l.updatedAt = l.now().UTC()
	l.mu.Unlock()

	l.logger.Debug("record appended",
		zap.String("event_id", rec.EventID),
		zap.String("chain_id", rec.ChainID),
		zap.Uint64("sequence", rec.Sequence),
		zap.String("merkle_root", root.String()),
	)

	// Notified under appendMu so every notifier sees records in sequence order.
	for _, n := range l.notifiers {
		n.Notify(rec.Clone())
	}
	return nil
}

func (l *Ledger) checkUnused(ctx context.Context, eventID string) error {
	_, err := l.store.Get(ctx, eventID)
	switch {
	case err == nil:
		return &RejectionError{Rule: "duplicate_event_id", Reason: "event id already exists", EventID: eventID}
	case errors.Is(err, storage.ErrNotFound):
		return nil
	default:
		return &StorageError{Op: "get", Err: err}
	}
}

// Get returns the record with the given id. It returns storage.ErrNotFound
// for an unknown id.
func (l *Ledger) Get(ctx context.Context, eventID string) (*model.Record, error) {
	rec, err := l.store.Get(ctx, eventID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Err: err}
	}
	return rec, nil
}

// AuditTrail returns the records matching f in append order. Records are
// returned as stored; they are not re-verified.
func (l *Ledger) AuditTrail(ctx context.Context, f storage.Filter) ([]*model.Record, error) {
	recs, err := l.store.Query(ctx, f)
	if err != nil {
		return nil, &StorageError{Op: "query", Err: err}
	}
	return recs, nil
}

// MerkleRoot returns the cached aggregate root.
func (l *Ledger) MerkleRoot() RootInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return RootInfo{Root: l.tree.Root(), TreeSize: l.tree.Size(), UpdatedAt: l.updatedAt}
}

// ChainLength returns the number of committed records in chainID.
func (l *Ledger) ChainLength(chainID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chainLength(chainID)
}

func (l *Ledger) chainLength(chainID string) int {
	if c := l.chains[chainID]; c != nil {
		return c.length
	}
	return 0
}

// DefaultChain returns the chain used when an append names none.
func (l *Ledger) DefaultChain() string { return l.defaultChain }

// Proof returns an inclusion proof for eventID against the current root.
func (l *Ledger) Proof(ctx context.Context, eventID string) (*InclusionProof, error) {
	rec, err := l.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	path, err := l.tree.Proof(int(rec.Sequence))
	if err != nil {
		return nil, fmt.Errorf("proof for %s at leaf %d: %w", eventID, rec.Sequence, err)
	}
	return &InclusionProof{
		EventID:   rec.EventID,
		LeafIndex: rec.Sequence,
		TreeSize:  l.tree.Size(),
		Digest:    rec.Digest,
		Path:      path,
		Root:      l.tree.Root(),
	}, nil
}

// VerifyIntegrity re-reads every stored record and checks each chain's
// linkage, every record's stored Merkle path, and that the root rebuilt
// from scratch equals the cached root. It returns nil when the ledger is
// intact, a *ChainIntegrityError naming the first break, or a
// *StorageError when the records could not be read.
func (l *Ledger) VerifyIntegrity(ctx context.Context) error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	recs, err := l.store.Query(ctx, storage.Filter{})
	if err != nil {
		return &StorageError{Op: "query", Err: err}
	}

	var (
		order   []string
		byChain = make(map[string][]*model.Record)
	)
	for i, rec := range recs {
		if _, ok := byChain[rec.ChainID]; !ok {
			order = append(order, rec.ChainID)
		}
		if rec.Sequence != uint64(i) {
			return l.integrityFailure(&ChainIntegrityError{
				ChainID: rec.ChainID,
				Index:   len(byChain[rec.ChainID]),
				EventID: rec.EventID,
				Reason:  fmt.Sprintf("sequence %d found at position %d", rec.Sequence, i),
			})
		}
		byChain[rec.ChainID] = append(byChain[rec.ChainID], rec)
	}

	for _, id := range order {
		if err := chain.VerifySequence(byChain[id]); err != nil {
			var be *chain.BreakError
			if !errors.As(err, &be) {
				return fmt.Errorf("verify chain %s: %w", id, err)
			}
			return l.integrityFailure(&ChainIntegrityError{
				ChainID: id,
				Index:   be.Index,
				EventID: be.EventID,
				Reason:  be.Reason,
			})
		}
	}

	// Stored digests were just confirmed against recomputed ones, so the
	// rebuilt tree commits to the recomputed digest list.
	rebuilt := merkle.NewTree()
	position := make(map[string]int)
	for _, rec := range recs {
		path := rebuilt.Insert(rec.Digest)
		idx := position[rec.ChainID]
		position[rec.ChainID]++
		if !samePath(path, rec.MerklePath) {
			return l.integrityFailure(&ChainIntegrityError{
				ChainID: rec.ChainID,
				Index:   idx,
				EventID: rec.EventID,
				Reason:  "stored merkle path does not match insertion path",
			})
		}
	}

	info := l.MerkleRoot()
	if rebuilt.Size() != info.TreeSize {
		return l.integrityFailure(&ChainIntegrityError{
			Index:  -1,
			Reason: fmt.Sprintf("store holds %d records, tree holds %d", rebuilt.Size(), info.TreeSize),
		})
	}
	if rebuilt.Root() != info.Root {
		return l.integrityFailure(&ChainIntegrityError{
			Index:  -1,
			Reason: fmt.Sprintf("merkle root mismatch: recomputed %s, cached %s", rebuilt.Root(), info.Root),
		})
	}

	l.logger.Info("ledger integrity verified",
		zap.Int("records", len(recs)),
		zap.Int("chains", len(order)),
		zap.String("merkle_root", info.Root.String()),
	)
	return nil
}

func (l *Ledger) integrityFailure(e *ChainIntegrityError) error {
	l.logger.Error("ledger integrity check failed",
		zap.String("chain_id", e.ChainID),
		zap.Int("index", e.Index),
		zap.String("event_id", e.EventID),
		zap.String("reason", e.Reason),
	)
	return e
}

func samePath(a, b model.MerklePath) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
