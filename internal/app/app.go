// Package app wires the Parley subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the engine, the session
// registry and the archive, Run serves browsers until the context ends, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithArchive,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/archive"
	archivepg "github.com/MrWong99/parley/internal/archive/postgres"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/local"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/transport"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/vad"
	"github.com/MrWong99/parley/pkg/types"
)

// Session modes.
const (
	ModeWeb   = "web"
	ModeLocal = "local"
)

const (
	reapInterval    = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
	VAD vad.Engine
}

// available is implemented by providers with failover that can tell whether
// any backend is currently accepting requests.
type available interface {
	Available() bool
}

// App owns all subsystem lifetimes and orchestrates the Parley voice pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics  *observe.Metrics
	level    *slog.LevelVar
	watcher  *config.Watcher
	store    archive.Store
	guard    *archive.Guard
	engine   *engine.Engine
	registry *session.Registry
	prices   archive.PriceTable

	summariser  session.Summariser
	idleTimeout atomic.Int64

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithArchive injects a report store instead of creating one from config.
func WithArchive(s archive.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics overrides the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets configuration reloads change the level of the default
// logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithWatcher runs w alongside the server in [App.Run]. Its change callback
// should call [App.ApplyConfig].
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Every provider slot
// must be filled.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.STT == nil || providers.TTS == nil || providers.VAD == nil {
		return nil, errors.New("app: llm, stt, tts and vad providers are all required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}
	a.idleTimeout.Store(int64(cfg.Server.IdleTimeout))

	// ── 1. Archive ───────────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 2. Engine ────────────────────────────────────────────────────────
	a.engine = engine.New(providers.STT, providers.LLM, providers.TTS, a.engineOptions()...)

	// ── 3. Session registry ──────────────────────────────────────────────
	if cfg.Pipeline.MaxHistoryTokens > 0 {
		a.summariser = session.NewLLMSummariser(providers.LLM)
	}
	a.prices = archive.DefaultPrices()
	maps.Copy(a.prices, cfg.Archive.Prices)

	reg, err := a.newRegistry(ModeWeb)
	if err != nil {
		return nil, err
	}
	a.registry = reg

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initArchive opens the configured report store and wraps it in a guard so
// that a failing backend never fails a session.
func (a *App) initArchive(ctx context.Context) error {
	if a.store == nil {
		switch a.cfg.Archive.Store {
		case config.ArchiveFile:
			fs, err := archive.NewFileStore(a.cfg.Archive.Dir)
			if err != nil {
				return err
			}
			a.store = fs
		case config.ArchivePostgres:
			pg, err := archivepg.Open(ctx, a.cfg.Archive.PostgresDSN)
			if err != nil {
				return err
			}
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return err
			}
			a.store = pg
		default:
			a.store = archive.Nop{}
		}
	}
	a.guard = archive.NewGuard(a.store)
	a.closers = append(a.closers, a.guard.Close)
	slog.Info("session archive ready", "store", a.cfg.Archive.Store)
	return nil
}

// engineOptions translates the pipeline config into engine options.
func (a *App) engineOptions() []engine.Option {
	p := a.cfg.Pipeline
	opts := []engine.Option{
		engine.WithMinTranscriptChars(p.MinTranscriptChars),
		engine.WithMinSentenceChars(p.MinSentenceChars),
		engine.WithMaxTokens(p.MaxTokens),
		engine.WithLanguage(p.Language),
		engine.WithMetrics(a.metrics),
		engine.WithVoice(types.VoiceProfile{
			ID:          p.Voice.ID,
			Provider:    a.cfg.Providers.TTS.Name,
			SpeedFactor: p.Voice.SpeedFactor,
		}),
		engine.WithProviderNames(a.cfg.Providers.STT.Name, a.cfg.Providers.LLM.Name, a.cfg.Providers.TTS.Name),
	}
	if p.Temperature != nil {
		opts = append(opts, engine.WithTemperature(*p.Temperature))
	}
	return opts
}

// newRegistry builds a session registry for the given mode.
func (a *App) newRegistry(mode string) (*session.Registry, error) {
	cfg := SessionConfig(a.cfg, mode)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("app: session config: %w", err)
	}
	opts := []session.Option{
		session.WithArchive(a.guard, a.prices, a.cfg.Providers.LLM.Model),
		session.WithMetrics(a.metrics),
	}
	if a.summariser != nil {
		opts = append(opts, session.WithSummariser(a.summariser))
	}
	return session.NewRegistry(a.engine, a.providers.VAD, cfg, opts...), nil
}

// SessionConfig derives the per-session settings from cfg. The local mode
// uses its own speech-start debounce. A negative energy threshold disables
// the gate.
func SessionConfig(cfg *config.Config, mode string) session.Config {
	p := cfg.Pipeline
	startFrames := p.StartFrames
	if mode == ModeLocal && cfg.Local.StartFrames != nil {
		startFrames = *cfg.Local.StartFrames
	}
	return session.Config{
		Mode: mode,
		Segmenter: pipeline.SegmenterConfig{
			SampleRate:   p.SampleRate,
			Frame:        p.Frame(),
			StartFrames:  startFrames,
			EndSilence:   p.EndSilence,
			MinUtterance: p.MinUtterance,
		},
		VAD: vad.Config{
			SampleRate:     p.SampleRate,
			FrameSizeMs:    p.FrameMs,
			Aggressiveness: p.VADAggressiveness,
		},
		EnergyThreshold: max(p.EnergyThreshold, 0),
		Guard: pipeline.GuardConfig{
			InterruptionCooldown: p.InterruptionCooldown,
			PostSpeechSilence:    p.PostSpeechSilence,
		},
		SystemPrompt:     p.SystemPrompt,
		MaxHistoryTokens: p.MaxHistoryTokens,
	}
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Registry returns the registry of browser sessions.
func (a *App) Registry() *session.Registry { return a.registry }

// Handler returns the HTTP handler serving the WebSocket endpoint, the
// health probes and the JSON API. metrics, when non-nil, is served on
// /metrics.
func (a *App) Handler(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /ws", transport.NewHandler(a.registry,
		transport.WithOriginPatterns(a.cfg.Server.AllowedOrigins...),
	))

	health.New(
		health.Checker{Name: "providers", Check: a.checkProviders},
		health.Checker{Name: "archive", Check: a.guard.Ping, Optional: true},
	).Register(mux)

	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	mux.HandleFunc("GET /api/voices", a.handleVoices)
	mux.HandleFunc("GET /api/sessions", a.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", a.handleReport)

	return observe.Middleware(a.metrics)(mux)
}

// checkProviders fails when a provider slot with failover has no backend
// left to try.
func (a *App) checkProviders(context.Context) error {
	slots := []struct {
		kind string
		p    any
	}{
		{"llm", a.providers.LLM},
		{"stt", a.providers.STT},
		{"tts", a.providers.TTS},
	}
	var errs []error
	for _, s := range slots {
		if av, ok := s.p.(available); ok && !av.Available() {
			errs = append(errs, fmt.Errorf("%s: every backend has an open circuit", s.kind))
		}
	}
	return errors.Join(errs...)
}

type voiceJSON struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

func (a *App) handleVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := a.providers.TTS.ListVoices(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Warn("list voices failed", "err", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	out := make([]voiceJSON, 0, len(voices))
	for _, v := range voices {
		out = append(out, voiceJSON{ID: v.ID, Name: v.Name, Provider: v.Provider})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": a.registry.IDs()})
}

// handleReport serves an archived session report as JSON, or as Markdown
// when the request asks for ?format=markdown.
func (a *App) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, err := a.guard.Load(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, archive.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "report not found"})
		return
	case err != nil:
		observe.Logger(r.Context()).Warn("load report failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "archive unavailable"})
		return
	}
	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = io.WriteString(w, rep.Markdown())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write json response", "err", err)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured listen address and blocks until ctx is
// cancelled. Idle sessions are reaped in the background and, when a watcher
// was injected, configuration changes are applied as they land.
func (a *App) Run(ctx context.Context, metrics http.Handler) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln, metrics)
}

// Serve is like [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener, metrics http.Handler) error {
	srv := &http.Server{
		Handler:           a.Handler(metrics),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		a.reapLoop(gctx)
		return nil
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	slog.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	return g.Wait()
}

// reapLoop disconnects sessions idle for longer than the idle timeout until
// ctx is cancelled.
func (a *App) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reapIdle(ctx)
		}
	}
}

func (a *App) reapIdle(ctx context.Context) int {
	d := time.Duration(a.idleTimeout.Load())
	if d <= 0 {
		return 0
	}
	n := a.registry.ReapIdle(ctx, d)
	if n > 0 {
		slog.Info("reaped idle sessions", "count", n, "idle_timeout", d)
	}
	return n
}

// ApplyConfig applies the parts of a reloaded configuration that can change
// at runtime. It is meant as the [config.Watcher] change callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.IdleTimeoutChanged {
		a.idleTimeout.Store(int64(new.Server.IdleTimeout))
		slog.Info("idle timeout changed", "idle_timeout", new.Server.IdleTimeout)
	}
	if d.SessionChanged {
		if err := a.registry.SetConfig(SessionConfig(new, ModeWeb)); err != nil {
			slog.Warn("session settings not applied", "err", err)
		} else {
			slog.Info("session settings applied to new sessions")
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "settings", d.RestartRequired)
	}
}

// ─── Local ───────────────────────────────────────────────────────────────────

// RunLocal runs a single conversation on the host's audio devices: src
// yields captured PCM, player renders reply clips and out receives the
// running transcript. It returns when src ends or ctx is cancelled.
func (a *App) RunLocal(ctx context.Context, src io.Reader, player playback.Player, out io.Writer) error {
	reg, err := a.newRegistry(ModeLocal)
	if err != nil {
		return err
	}
	q := playback.New(player, playback.WithErrorHandler(func(index int, err error) {
		slog.Warn("playback failed", "sentence", index, "err", err)
	}))
	defer q.Close()

	return local.Run(ctx, reg, src, local.NewTerminal(out, q))
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown disconnects every live session, archiving their reports, then
// closes the archive. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if err := a.registry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sessions: %w", err))
		}
		for _, c := range a.closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
