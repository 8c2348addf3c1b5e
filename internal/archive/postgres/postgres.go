// Package postgres provides an [archive.Store] backed by PostgreSQL through
// pgx. Each session report is one row of the session_reports table; the
// transcript is kept as JSONB.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/internal/archive"
)

// Schema is the SQL DDL for the session_reports table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS session_reports (
    session_id        TEXT PRIMARY KEY,
    mode              TEXT NOT NULL DEFAULT '',
    started_at        TIMESTAMPTZ NOT NULL,
    ended_at          TIMESTAMPTZ NOT NULL,
    turns             INTEGER NOT NULL DEFAULT 0,
    failed_turns      INTEGER NOT NULL DEFAULT 0,
    prompt_tokens     INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    total_tokens      INTEGER NOT NULL DEFAULT 0,
    model             TEXT NOT NULL DEFAULT '',
    cost_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,
    transcript        JSONB NOT NULL DEFAULT '[]',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_session_reports_started ON session_reports(started_at);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is an [archive.Store] backed by a PostgreSQL database.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ archive.Store = (*Store)(nil)

// New creates a Store over an existing connection or pool. The caller keeps
// ownership of db and must call [Store.Migrate] before saving.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open connects a pool to dsn, migrates the schema and returns a Store that
// owns the pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive/postgres: connect: %w", err)
	}
	s := &Store{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL against the database.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("archive/postgres: migrate: %w", err)
	}
	return nil
}

// Save upserts r by session ID.
func (s *Store) Save(ctx context.Context, r archive.Report) error {
	lines := r.Lines
	if lines == nil {
		lines = []archive.Line{}
	}
	transcript, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("archive/postgres: marshal transcript: %w", err)
	}

	const query = `
		INSERT INTO session_reports (
			session_id, mode, started_at, ended_at, turns, failed_turns,
			prompt_tokens, completion_tokens, total_tokens, model, cost_usd, transcript
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (session_id) DO UPDATE SET
			mode = EXCLUDED.mode,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			turns = EXCLUDED.turns,
			failed_turns = EXCLUDED.failed_turns,
			prompt_tokens = EXCLUDED.prompt_tokens,
			completion_tokens = EXCLUDED.completion_tokens,
			total_tokens = EXCLUDED.total_tokens,
			model = EXCLUDED.model,
			cost_usd = EXCLUDED.cost_usd,
			transcript = EXCLUDED.transcript`

	_, err = s.db.Exec(ctx, query,
		r.SessionID, r.Mode, r.Started, r.Ended, r.Turns, r.FailedTurns,
		r.Usage.PromptTokens, r.Usage.CompletionTokens, r.Usage.TotalTokens,
		r.Model, r.CostUSD, transcript,
	)
	if err != nil {
		return fmt.Errorf("archive/postgres: save %s: %w", r.SessionID, err)
	}
	return nil
}

// Load returns the report of sessionID or [archive.ErrNotFound].
func (s *Store) Load(ctx context.Context, sessionID string) (archive.Report, error) {
	const query = `
		SELECT session_id, mode, started_at, ended_at, turns, failed_turns,
		       prompt_tokens, completion_tokens, total_tokens, model, cost_usd, transcript
		FROM session_reports WHERE session_id = $1`

	var (
		r          archive.Report
		transcript []byte
	)
	err := s.db.QueryRow(ctx, query, sessionID).Scan(
		&r.SessionID, &r.Mode, &r.Started, &r.Ended, &r.Turns, &r.FailedTurns,
		&r.Usage.PromptTokens, &r.Usage.CompletionTokens, &r.Usage.TotalTokens,
		&r.Model, &r.CostUSD, &transcript,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.Report{}, archive.ErrNotFound
	}
	if err != nil {
		return archive.Report{}, fmt.Errorf("archive/postgres: load %s: %w", sessionID, err)
	}
	if err := json.Unmarshal(transcript, &r.Lines); err != nil {
		return archive.Report{}, fmt.Errorf("archive/postgres: decode transcript: %w", err)
	}
	return r, nil
}

// Ping runs a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("archive/postgres: ping: %w", err)
	}
	return nil
}

// Close closes the pool when the Store opened it.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
