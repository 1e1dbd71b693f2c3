// Package pgstore provides a PostgreSQL + pgvector backed implementation of
// the rag.Retriever interface.
//
// Snippets are stored in a single table with an HNSW cosine index. The query
// embedder is injected so that the index and the queries are guaranteed to
// share a vector space. The pgvector extension must be available in the
// target database; [Migrate] installs it via CREATE EXTENSION IF NOT EXISTS.
package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/voicewire/voicewire/pkg/provider/embeddings"
	"github.com/voicewire/voicewire/pkg/rag"
)

// Ensure Store implements rag.Retriever at compile time.
var _ rag.Retriever = (*Store)(nil)

const ddlSnippets = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS snippets (
    id         TEXT         PRIMARY KEY,
    content    TEXT         NOT NULL,
    embedding  VECTOR(%d)   NOT NULL,
    source     TEXT         NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_snippets_embedding
    ON snippets USING hnsw (embedding vector_cosine_ops);
`

// Store is a PostgreSQL-backed snippet index. All methods are safe for
// concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// New connects to the database at dsn, registers pgvector types on every
// connection, and ensures the snippets schema exists with the embedder's
// vector dimensions.
func New(ctx context.Context, dsn string, embedder embeddings.Provider) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("rag store: parse dsn: %w", err)
	}

	// Register pgvector types so vector columns scan into pgvector.Vector.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("rag store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("rag store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embedder.Dimensions()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("rag store: migrate: %w", err)
	}

	return &Store{pool: pool, embedder: embedder}, nil
}

// NewWithPool wraps an existing pool (used when the turn-record store and
// the snippet index share one database). The caller owns the pool.
func NewWithPool(pool *pgxpool.Pool, embedder embeddings.Provider) *Store {
	return &Store{pool: pool, embedder: embedder}
}

// Migrate ensures the snippets table and its HNSW index exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	if dimensions <= 0 {
		return fmt.Errorf("rag store: invalid embedding dimensions %d", dimensions)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(ddlSnippets, dimensions)); err != nil {
		return fmt.Errorf("rag store: create schema: %w", err)
	}
	return nil
}

// Index upserts a snippet: the content is embedded and written under id.
func (s *Store) Index(ctx context.Context, id, content, source string) error {
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("rag store: embed: %w", err)
	}

	const q = `
		INSERT INTO snippets (id, content, embedding, source)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
		    content   = EXCLUDED.content,
		    embedding = EXCLUDED.embedding,
		    source    = EXCLUDED.source`

	if _, err := s.pool.Exec(ctx, q, id, content, pgvector.NewVector(vec), source); err != nil {
		return fmt.Errorf("rag store: index snippet: %w", err)
	}
	return nil
}

// Retrieve implements rag.Retriever. It embeds the query and returns the
// topK nearest snippets by cosine similarity, most similar first.
func (s *Store) Retrieve(ctx context.Context, query string, topK int) ([]rag.Snippet, error) {
	if topK <= 0 {
		topK = 3
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rag store: embed query: %w", err)
	}

	const q = `
		SELECT id, content, 1 - (embedding <=> $1) AS similarity
		FROM   snippets
		ORDER  BY embedding <=> $1
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), topK)
	if err != nil {
		return nil, fmt.Errorf("rag store: search: %w", err)
	}

	snippets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (rag.Snippet, error) {
		var sn rag.Snippet
		if err := row.Scan(&sn.ID, &sn.Content, &sn.Similarity); err != nil {
			return rag.Snippet{}, err
		}
		return sn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("rag store: scan rows: %w", err)
	}
	if snippets == nil {
		snippets = []rag.Snippet{}
	}
	return snippets, nil
}

// Close releases the connection pool. Only call when the Store owns the pool
// (constructed via New, not NewWithPool).
func (s *Store) Close() {
	s.pool.Close()
}
