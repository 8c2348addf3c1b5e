package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/archive"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// ErrNotFound is returned when a session ID is not registered.
var ErrNotFound = errors.New("session: not found")

// Registry tracks the live sessions of the process.
type Registry struct {
	deps deps

	store  archive.Store
	prices archive.PriceTable
	model  string

	mu       sync.Mutex
	cfg      Config
	sessions map[string]*Session
}

// Option configures a [Registry].
type Option func(*Registry)

// WithSummariser bounds session histories through s when the config sets
// MaxHistoryTokens.
func WithSummariser(s Summariser) Option {
	return func(r *Registry) { r.deps.summariser = s }
}

// WithArchive saves a report to store when a session with at least one turn
// ends. model and prices price the token usage.
func WithArchive(store archive.Store, prices archive.PriceTable, model string) Option {
	return func(r *Registry) {
		r.store = store
		r.prices = prices
		r.model = model
	}
}

// WithMetrics overrides the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.deps.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.deps.now = now }
}

// NewRegistry returns an empty Registry. Every session runs its turns
// through h and opens its detector on vadEngine.
func NewRegistry(h Handler, vadEngine vad.Engine, cfg Config, opts ...Option) *Registry {
	r := &Registry{
		deps: deps{
			handler: h,
			vad:     vadEngine,
			metrics: observe.DefaultMetrics(),
			now:     time.Now,
		},
		store:    archive.Nop{},
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Config returns the config new sessions are created with.
func (r *Registry) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// SetConfig replaces the config for sessions created afterwards. Live
// sessions keep theirs.
func (r *Registry) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("session: config: %w", err)
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	return nil
}

// Connect creates and registers a session for client under a fresh ID.
// ctx bounds the lifetime of the session.
func (r *Registry) Connect(ctx context.Context, client Client) (*Session, error) {
	id := uuid.NewString()
	s, err := newSession(ctx, id, r.Config(), client, r.deps)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.deps.metrics.ActiveSessions.Add(ctx, 1)
	observe.Logger(s.ctx).Info("session connected", "mode", s.cfg.Mode)
	return s, nil
}

// Get returns the live session with the given ID.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IDs returns the IDs of all live sessions.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Disconnect removes the session, cancels its turn in flight and waits for
// it to end. A session that completed at least one turn is archived.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		s.closed.Store(true)
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	r.deps.metrics.ActiveSessions.Add(ctx, -1)
	var errs []error
	if err := s.close(); err != nil {
		errs = append(errs, fmt.Errorf("session: close vad: %w", err))
	}

	report := s.Report(r.deps.now(), r.model, r.prices)
	log := observe.Logger(observe.WithSessionID(ctx, id))
	log.Info("session disconnected",
		"turns", report.Turns,
		"failed_turns", report.FailedTurns,
		"duration", report.Duration().Round(time.Second),
		"total_tokens", report.Usage.TotalTokens,
	)
	if report.Turns > 0 {
		if err := r.store.Save(ctx, report); err != nil {
			errs = append(errs, fmt.Errorf("session: archive %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// ReapIdle disconnects every session that has received no audio for longer
// than maxIdle and returns how many were removed. Sessions with a turn in
// flight are kept.
func (r *Registry) ReapIdle(ctx context.Context, maxIdle time.Duration) int {
	now := r.deps.now()
	var idle []string
	r.mu.Lock()
	for id, s := range r.sessions {
		if !s.Processing() && now.Sub(s.LastActivity()) > maxIdle {
			idle = append(idle, id)
		}
	}
	r.mu.Unlock()

	reaped := 0
	for _, id := range idle {
		err := r.Disconnect(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			slog.Warn("failed to reap idle session", "session_id", id, "err", err)
		}
		reaped++
	}
	return reaped
}

// Shutdown disconnects every live session.
func (r *Registry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, id := range r.IDs() {
		if err := r.Disconnect(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
