package archive

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// Guard wraps a [Store] and makes saving non-fatal. A failed save is logged
// and swallowed so that a session can always end cleanly while the backend
// is unavailable (database restart, full disk). IsDegraded reports whether
// the most recent operation on the underlying store failed.
//
// All methods are safe for concurrent use.
type Guard struct {
	store    Store
	degraded atomic.Bool
}

var _ Store = (*Guard)(nil)

// NewGuard creates a new [Guard] wrapping store.
func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// Save attempts to save r. On failure the error is logged and swallowed and
// the store is marked as degraded. On success the degraded flag is cleared.
func (g *Guard) Save(ctx context.Context, r Report) error {
	if err := g.store.Save(ctx, r); err != nil {
		g.degraded.Store(true)
		slog.Warn("archive guard: Save failed, swallowing error",
			"session_id", r.SessionID,
			"error", err,
		)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// Load delegates to the underlying store. [ErrNotFound] is a regular answer;
// any other error marks the store as degraded and is returned.
func (g *Guard) Load(ctx context.Context, sessionID string) (Report, error) {
	r, err := g.store.Load(ctx, sessionID)
	switch {
	case err == nil, errors.Is(err, ErrNotFound):
		g.degraded.Store(false)
	default:
		g.degraded.Store(true)
	}
	return r, err
}

// Ping delegates to the underlying store and updates the degraded flag.
func (g *Guard) Ping(ctx context.Context) error {
	err := g.store.Ping(ctx)
	g.degraded.Store(err != nil)
	return err
}

// Close closes the underlying store.
func (g *Guard) Close() error { return g.store.Close() }

// IsDegraded reports whether the most recent operation on the underlying
// store failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}
