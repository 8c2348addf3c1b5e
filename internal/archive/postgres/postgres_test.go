package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/parley/internal/archive"
	"github.com/MrWong99/parley/pkg/types"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// execCall records one Exec invocation.
type execCall struct {
	sql  string
	args []any
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	execErr      error
	execs        []execCall
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.execs = append(m.execs, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, m.execErr
}

func sampleReport(id string) archive.Report {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return archive.Report{
		SessionID: id,
		Mode:      "web",
		Started:   start,
		Ended:     start.Add(90 * time.Second),
		Lines: []archive.Line{
			{Speaker: archive.SpeakerUser, Text: "Hello", At: start.Add(5 * time.Second)},
			{Speaker: archive.SpeakerBot, Text: "Hi there.", At: start.Add(6 * time.Second)},
		},
		Turns:   1,
		Usage:   types.Usage{PromptTokens: 40, CompletionTokens: 5, TotalTokens: 45},
		Model:   "gpt-4o-mini",
		CostUSD: 0.000009,
	}
}

// ---------------------------------------------------------------------------
// Unit tests against the mock DB
// ---------------------------------------------------------------------------

func TestStore_Migrate(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	if err := New(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0].sql, "CREATE TABLE IF NOT EXISTS session_reports") {
		t.Errorf("unexpected migration calls %+v", db.execs)
	}

	db = &mockDB{execErr: errors.New("permission denied")}
	if err := New(db).Migrate(context.Background()); err == nil {
		t.Error("expected migrate error")
	}
}

func TestStore_Save(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	r := sampleReport("s-1")
	if err := New(db).Save(context.Background(), r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(db.execs) != 1 {
		t.Fatalf("want 1 exec, got %d", len(db.execs))
	}
	call := db.execs[0]
	if !strings.Contains(call.sql, "ON CONFLICT (session_id) DO UPDATE") {
		t.Errorf("save must upsert, got %s", call.sql)
	}
	if len(call.args) != 12 {
		t.Fatalf("want 12 args, got %d", len(call.args))
	}
	if call.args[0] != "s-1" || call.args[8] != 45 {
		t.Errorf("unexpected args %v", call.args)
	}
	var lines []archive.Line
	if err := json.Unmarshal(call.args[11].([]byte), &lines); err != nil {
		t.Fatalf("transcript arg is not JSON: %v", err)
	}
	if len(lines) != 2 || lines[1].Text != "Hi there." {
		t.Errorf("unexpected transcript %+v", lines)
	}
}

func TestStore_SaveEmptyTranscript(t *testing.T) {
	t.Parallel()

	db := &mockDB{}
	r := sampleReport("s-2")
	r.Lines = nil
	if err := New(db).Save(context.Background(), r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got := string(db.execs[0].args[11].([]byte)); got != "[]" {
		t.Errorf("want empty JSON array, got %s", got)
	}
}

func TestStore_LoadNotFound(t *testing.T) {
	t.Parallel()

	_, err := New(&mockDB{}).Load(context.Background(), "nope")
	if !errors.Is(err, archive.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestStore_LoadScanError(t *testing.T) {
	t.Parallel()

	db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
		return &mockRow{scanFunc: func(...any) error { return fmt.Errorf("conn closed") }}
	}}
	_, err := New(db).Load(context.Background(), "s")
	if err == nil || errors.Is(err, archive.ErrNotFound) {
		t.Errorf("want a wrapped scan error, got %v", err)
	}
}

func TestStore_Ping(t *testing.T) {
	t.Parallel()

	ok := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
		return &mockRow{scanFunc: func(dest ...any) error {
			*dest[0].(*int) = 1
			return nil
		}}
	}}
	if err := New(ok).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if err := New(&mockDB{}).Ping(context.Background()); err == nil {
		t.Error("expected ping error")
	}
}

// ---------------------------------------------------------------------------
// Integration test (requires PARLEY_TEST_POSTGRES_DSN)
// ---------------------------------------------------------------------------

func TestStore_Integration(t *testing.T) {
	dsn := os.Getenv("PARLEY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PARLEY_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	s, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	id := uuid.NewString()
	t.Cleanup(func() {
		_, _ = s.db.Exec(context.Background(), "DELETE FROM session_reports WHERE session_id = $1", id)
	})

	r := sampleReport(id)
	if err := s.Save(ctx, r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	r.Turns = 2
	if err := s.Save(ctx, r); err != nil {
		t.Fatalf("Save (upsert): %v", err)
	}

	got, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Turns != 2 || got.Usage != r.Usage || len(got.Lines) != 2 || !got.Started.Equal(r.Started) {
		t.Errorf("round trip mismatch: %+v", got)
	}
}
