package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gitdigital/ledgercore/internal/digest"
	"github.com/gitdigital/ledgercore/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// appends across every process sharing the database. The value is arbitrary
// but must be consistent across all ledger instances.
const advisoryLockKey = int64(1_748_205_311)

// DefaultTable is the table used when none is configured.
const DefaultTable = "ledger_events"

// uniqueViolation is the SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

const recordColumns = `event_id, sequence, chain_id, entity_id, event_type, event_data,
	event_metadata, metadata, timestamp, previous_hash, digest, signature, merkle_path`

// PostgresStore persists ledger records to a PostgreSQL table.
// It implements Store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	table  string
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection
// pool. An empty table name selects DefaultTable.
func NewPostgresStore(pool *pgxpool.Pool, table string, logger *zap.Logger) *PostgresStore {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresStore{
		pool:   pool,
		table:  pgx.Identifier{table}.Sanitize(),
		logger: logger,
	}
}

// EnsureSchema creates the records table and its indexes if they do not
// exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			event_id       TEXT PRIMARY KEY,
			sequence       BIGINT NOT NULL UNIQUE,
			chain_id       TEXT NOT NULL,
			entity_id      TEXT NOT NULL,
			event_type     TEXT NOT NULL,
			event_data     JSONB,
			event_metadata JSONB,
			metadata       JSONB,
			timestamp      TIMESTAMPTZ NOT NULL,
			previous_hash  TEXT NOT NULL,
			digest         TEXT NOT NULL,
			signature      BYTEA,
			merkle_path    JSONB NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (chain_id, sequence)`,
			pgx.Identifier{strings.Trim(s.table, `"`) + "_chain_idx"}.Sanitize(), s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (entity_id, timestamp)`,
			pgx.Identifier{strings.Trim(s.table, `"`) + "_entity_idx"}.Sanitize(), s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure ledger schema: %w", err)
		}
	}
	return nil
}

// Append implements Store.
// It takes a transaction-scoped advisory lock, checks that rec extends both
// the global sequence and its chain tip, and inserts it.
func (s *PostgresStore) Append(ctx context.Context, rec *model.Record) error {
	path, err := json.Marshal(rec.MerklePath)
	if err != nil {
		return fmt.Errorf("marshal merkle path: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The lock is released automatically when the transaction ends.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	var next int64
	if err := tx.QueryRow(ctx,
		fmt.Sprintf("SELECT COALESCE(MAX(sequence) + 1, 0) FROM %s", s.table),
	).Scan(&next); err != nil {
		return fmt.Errorf("read ledger sequence: %w", err)
	}
	if uint64(next) != rec.Sequence {
		return fmt.Errorf("sequence %d (next is %d): %w", rec.Sequence, next, ErrConflict)
	}

	tip, _, err := latestDigest(ctx, tx, s.table, rec.ChainID)
	if err != nil {
		return err
	}
	if tip != rec.PreviousHash {
		return fmt.Errorf("chain %s tip is %s: %w", rec.ChainID, tip, ErrConflict)
	}

	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`, s.table, recordColumns),
		rec.EventID, int64(rec.Sequence), rec.ChainID,
		rec.Event.EntityID, rec.Event.EventType,
		jsonb(rec.Event.Data), jsonb(rec.Event.Metadata), jsonb(rec.Metadata),
		rec.Timestamp.UTC(), rec.PreviousHash.String(), rec.Digest.String(),
		rec.Signature, path,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("event %s: %w", rec.EventID, ErrDuplicate)
		}
		return fmt.Errorf("insert ledger record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}

	s.logger.Debug("ledger record stored",
		zap.String("event_id", rec.EventID),
		zap.Uint64("sequence", rec.Sequence),
		zap.String("chain_id", rec.ChainID),
	)
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, eventID string) (*model.Record, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE event_id = $1", recordColumns, s.table), eventID)
	if err != nil {
		return nil, fmt.Errorf("get ledger record %s: %w", eventID, err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// Query implements Store.
func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]*model.Record, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.ChainID != "" {
		add("chain_id = $%d", f.ChainID)
	}
	if f.Start != nil {
		add("timestamp >= $%d", f.Start.UTC())
	}
	if f.End != nil {
		add("timestamp <= $%d", f.End.UTC())
	}

	query := fmt.Sprintf("SELECT %s FROM %s", recordColumns, s.table)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY sequence ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	return scanRecords(rows)
}

// LatestDigest implements Store.
func (s *PostgresStore) LatestDigest(ctx context.Context, chainID string) (digest.Hash, bool, error) {
	return latestDigest(ctx, s.pool, s.table, chainID)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func latestDigest(ctx context.Context, q queryRower, table, chainID string) (digest.Hash, bool, error) {
	var hex string
	err := q.QueryRow(ctx,
		fmt.Sprintf("SELECT digest FROM %s WHERE chain_id = $1 ORDER BY sequence DESC LIMIT 1", table),
		chainID,
	).Scan(&hex)
	if errors.Is(err, pgx.ErrNoRows) {
		return digest.Zero, false, nil
	}
	if err != nil {
		return digest.Zero, false, fmt.Errorf("read chain tip: %w", err)
	}
	d, err := digest.Parse(hex)
	if err != nil {
		return digest.Zero, false, fmt.Errorf("chain %s tip: %w", chainID, err)
	}
	return d, true, nil
}

func scanRecords(rows pgx.Rows) ([]*model.Record, error) {
	defer rows.Close()

	out := []*model.Record{}
	for rows.Next() {
		var (
			rec                      model.Record
			seq                      int64
			data, evMeta, meta, path []byte
			prevHex, digestHex       string
		)
		if err := rows.Scan(
			&rec.EventID, &seq, &rec.ChainID,
			&rec.Event.EntityID, &rec.Event.EventType,
			&data, &evMeta, &meta,
			&rec.Timestamp, &prevHex, &digestHex,
			&rec.Signature, &path,
		); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}

		var err error
		if rec.PreviousHash, err = digest.Parse(prevHex); err != nil {
			return nil, fmt.Errorf("event %s previous_hash: %w", rec.EventID, err)
		}
		if rec.Digest, err = digest.Parse(digestHex); err != nil {
			return nil, fmt.Errorf("event %s digest: %w", rec.EventID, err)
		}
		if err := json.Unmarshal(path, &rec.MerklePath); err != nil {
			return nil, fmt.Errorf("event %s merkle_path: %w", rec.EventID, err)
		}
		rec.Sequence = uint64(seq)
		rec.Timestamp = rec.Timestamp.UTC()
		rec.Event.Data = rawOrNil(data)
		rec.Event.Metadata = rawOrNil(evMeta)
		rec.Metadata = rawOrNil(meta)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return out, nil
}

// jsonb maps empty or null raw JSON to SQL NULL.
func jsonb(raw json.RawMessage) []byte {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return []byte(raw)
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}
