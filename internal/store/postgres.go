// Package store persists turn records. The Postgres type is the durable
// backend; Writer wraps any backend with the async, never-blocking queue the
// voice pipeline requires.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voicewire/voicewire/internal/turn"
)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id                TEXT         PRIMARY KEY,
    session_id        TEXT         NOT NULL,
    started_at        TIMESTAMPTZ  NOT NULL,
    ended_at          TIMESTAMPTZ  NOT NULL,
    user_text         TEXT         NOT NULL DEFAULT '',
    agent_text        TEXT         NOT NULL DEFAULT '',
    outcome           TEXT         NOT NULL,
    was_interrupted   BOOLEAN      NOT NULL DEFAULT FALSE,
    debounce_ms       INTEGER      NOT NULL DEFAULT 0,
    latency_ms        BIGINT       NOT NULL DEFAULT 0,
    tokens_prompt     INTEGER      NOT NULL DEFAULT 0,
    tokens_completion INTEGER      NOT NULL DEFAULT 0,
    tokens_wasted     INTEGER      NOT NULL DEFAULT 0,
    transitions       JSONB        NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_turns_session_started
    ON turns (session_id, started_at DESC);
`

// transitionRow is the JSON shape of one state change inside the transitions
// column.
type transitionRow struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Postgres stores turn records in PostgreSQL. All methods are safe for
// concurrent use.
type Postgres struct {
	pool     *pgxpool.Pool
	ownsPool bool
}

// NewPostgres connects to the database at dsn and ensures the turns schema
// exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Postgres{pool: pool, ownsPool: true}, nil
}

// NewPostgresWithPool wraps an existing pool (shared with the snippet index).
// The caller owns the pool and must run Migrate.
func NewPostgresWithPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate ensures the turns table and its index exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	return nil
}

// Insert writes one turn record.
func (s *Postgres) Insert(ctx context.Context, rec turn.Record) error {
	rows := make([]transitionRow, len(rec.Transitions))
	for i, ch := range rec.Transitions {
		rows[i] = transitionRow{From: ch.From.String(), To: ch.To.String(), Reason: ch.Reason, At: ch.At}
	}
	transitions, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("store: marshal transitions: %w", err)
	}

	const q = `
		INSERT INTO turns (
		    id, session_id, started_at, ended_at, user_text, agent_text,
		    outcome, was_interrupted, debounce_ms, latency_ms,
		    tokens_prompt, tokens_completion, tokens_wasted, transitions
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, q,
		rec.ID, rec.SessionID, rec.StartedAt, rec.EndedAt, rec.UserText, rec.AgentText,
		string(rec.Outcome), rec.WasInterrupted, rec.DebounceMS, rec.LatencyMS,
		rec.TokensPrompt, rec.TokensCompletion, rec.TokensWasted, transitions,
	); err != nil {
		return fmt.Errorf("store: insert turn: %w", err)
	}
	return nil
}

// ListBySession returns up to limit records for a session, newest first.
func (s *Postgres) ListBySession(ctx context.Context, sessionID string, limit int) ([]turn.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT id, session_id, started_at, ended_at, user_text, agent_text,
		       outcome, was_interrupted, debounce_ms, latency_ms,
		       tokens_prompt, tokens_completion, tokens_wasted
		FROM   turns
		WHERE  session_id = $1
		ORDER  BY started_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list turns: %w", err)
	}

	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (turn.Record, error) {
		var rec turn.Record
		var outcome string
		if err := row.Scan(
			&rec.ID, &rec.SessionID, &rec.StartedAt, &rec.EndedAt, &rec.UserText, &rec.AgentText,
			&outcome, &rec.WasInterrupted, &rec.DebounceMS, &rec.LatencyMS,
			&rec.TokensPrompt, &rec.TokensCompletion, &rec.TokensWasted,
		); err != nil {
			return turn.Record{}, err
		}
		rec.Outcome = turn.Outcome(outcome)
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan rows: %w", err)
	}
	return recs, nil
}

// Close releases the pool when this store owns it.
func (s *Postgres) Close() {
	if s.ownsPool {
		s.pool.Close()
	}
}
