package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// File names written per session.
const (
	ReportFile     = "session_report.md"
	SummaryFile    = "session_summary.json"
	TranscriptFile = "transcript.txt"
)

// FileStore writes each report to <dir>/<session id>/.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("archive: file store directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// summary is the JSON form of a report on disk.
type summary struct {
	Report
	DurationSeconds float64 `json:"duration_seconds"`
}

// Save writes the Markdown report, the JSON summary and the plain transcript.
func (s *FileStore) Save(_ context.Context, r Report) error {
	dir, err := s.sessionDir(r.SessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("archive: create %s: %w", dir, err)
	}

	js, err := json.MarshalIndent(summary{Report: r, DurationSeconds: r.Duration().Seconds()}, "", "    ")
	if err != nil {
		return fmt.Errorf("archive: marshal summary: %w", err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{ReportFile, []byte(r.Markdown())},
		{SummaryFile, js},
		{TranscriptFile, []byte(r.Transcript())},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, 0o644); err != nil {
			return fmt.Errorf("archive: write %s: %w", f.name, err)
		}
	}
	return nil
}

// Load reads the JSON summary of sessionID back.
func (s *FileStore) Load(_ context.Context, sessionID string) (Report, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return Report{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("archive: read summary: %w", err)
	}
	var sum summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return Report{}, fmt.Errorf("archive: decode summary: %w", err)
	}
	return sum.Report, nil
}

// Ping checks that the root directory is still accessible.
func (s *FileStore) Ping(context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("archive: %s is not a directory", s.dir)
	}
	return nil
}

// Close does nothing.
func (s *FileStore) Close() error { return nil }

// sessionDir returns the directory of sessionID, rejecting IDs that would
// escape the root.
func (s *FileStore) sessionDir(sessionID string) (string, error) {
	if sessionID == "" || sessionID == "." || sessionID == ".." || strings.ContainsAny(sessionID, `/\`) {
		return "", fmt.Errorf("archive: invalid session id %q", sessionID)
	}
	return filepath.Join(s.dir, sessionID), nil
}
