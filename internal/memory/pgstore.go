package memory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/voxcraft/vox-cli/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts the pgxpool.Pool so the store can be mocked in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGStore persists memory facts in PostgreSQL. Facts are append-only rows;
// eviction is the only delete path.
type PGStore struct {
	pool DBPool
	log  *zap.Logger
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS memory_facts (
    id         TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    kind       TEXT NOT NULL,
    content    TEXT NOT NULL,
    metadata   JSONB NOT NULL DEFAULT '{}',
    embedding  FLOAT8[] NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS memory_facts_created_at_idx ON memory_facts (created_at);
`

// NewPGStore creates the store and verifies the connection.
func NewPGStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PGStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PGStore{pool: pool, log: logger.Named("pgstore")}, nil
}

// EnsureSchema creates the facts table if it does not exist yet.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to ensure memory schema: %w", err)
	}
	return nil
}

func (s *PGStore) Insert(ctx context.Context, fact schemas.Fact) error {
	meta, err := json.Marshal(fact.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode fact metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO memory_facts (id, session_id, kind, content, metadata, embedding, created_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		fact.ID, fact.SessionID, string(fact.Kind), fact.Content, meta, fact.Embedding, fact.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert fact: %w", err)
	}
	return nil
}

func (s *PGStore) All(ctx context.Context) ([]schemas.Fact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, kind, content, metadata, embedding, created_at
         FROM memory_facts ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer rows.Close()

	var facts []schemas.Fact
	for rows.Next() {
		var f schemas.Fact
		var kind string
		var meta []byte
		if err := rows.Scan(&f.ID, &f.SessionID, &kind, &f.Content, &meta, &f.Embedding, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fact row: %w", err)
		}
		f.Kind = schemas.FactKind(kind)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &f.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode fact metadata: %w", err)
			}
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return facts, nil
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM memory_facts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete fact %s: %w", id, err)
	}
	return nil
}

func (s *PGStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM memory_facts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count facts: %w", err)
	}
	return n, nil
}
