// Package session owns the live voice conversations of the process.
//
// A [Session] turns the raw audio of one client into turns: it slices the
// stream into frames, classifies them through the speech gate, segments
// utterances and hands each one to the conversation engine on its own turn
// goroutine. The [Registry] maps session IDs to sessions and archives a
// report when a session ends.
//
// History bounding lives here as well: [ContextManager] summarises old turns
// through a [Summariser] once the history approaches its token budget.
//
// All exported types are safe for concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/archive"
	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
	"github.com/MrWong99/parley/pkg/types"
)

// Handler runs one turn. *engine.Engine satisfies it.
type Handler interface {
	HandleUtterance(ctx context.Context, sess engine.Session, u pipeline.Utterance) error
}

// Client is the transport side of a session.
type Client interface {
	engine.Emitter

	// Interrupt tells the client to stop playback and drop queued audio.
	Interrupt()
}

// PlaybackReporter is implemented by clients that observe their own audio
// output, such as the local loop's player. For other clients the session
// relies on [Session.SetPlayback].
type PlaybackReporter interface {
	Playing() bool
}

// Config holds the per-session pipeline settings.
type Config struct {
	// Mode labels the session in reports ("web" or "local").
	Mode string

	// Segmenter configures utterance segmentation, including the frame
	// duration and sample rate.
	Segmenter pipeline.SegmenterConfig

	// VAD configures the voice activity detector session.
	VAD vad.Config

	// EnergyThreshold is the normalized RMS floor below which frames are
	// never speech. Zero disables it.
	EnergyThreshold float64

	// Guard configures echo suppression and barge-in while the client plays
	// audio.
	Guard pipeline.GuardConfig

	// SystemPrompt seeds the history.
	SystemPrompt string

	// MaxHistoryTokens bounds the history when positive and a summariser is
	// available. Zero keeps the full history.
	MaxHistoryTokens int
}

// FrameBytes returns the size in bytes of one 16-bit mono frame.
func (c Config) FrameBytes() int {
	return audio.FrameBytes(c.Segmenter.SampleRate, c.Segmenter.Frame)
}

// Validate reports whether c can build a session.
func (c Config) Validate() error {
	var errs []error
	if err := c.Segmenter.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.FrameBytes() <= 0 {
		errs = append(errs, errors.New("frame size must be positive"))
	}
	if c.EnergyThreshold < 0 || c.EnergyThreshold > 1 {
		errs = append(errs, fmt.Errorf("energy threshold %.3f out of range [0,1]", c.EnergyThreshold))
	}
	if c.MaxHistoryTokens < 0 {
		errs = append(errs, fmt.Errorf("max history tokens must not be negative, got %d", c.MaxHistoryTokens))
	}
	return errors.Join(errs...)
}

// Session is one live conversation. It is fully initialised by the
// [Registry] and never reused after it is closed.
type Session struct {
	id      string
	cfg     Config
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	handler Handler
	client  Client
	emitter *guardedEmitter
	history engine.History
	metrics *observe.Metrics
	now     func() time.Time

	// Ingestion state, owned by the goroutine calling Ingest.
	ingestMu sync.Mutex
	frames   *audio.FrameBuffer
	detector vad.SessionHandle
	gate     *pipeline.Gate
	seg      *pipeline.Segmenter
	guard    *pipeline.DuplexGuard

	processing atomic.Bool
	speaking   atomic.Bool
	closed     atomic.Bool
	turns      sync.WaitGroup

	mu           sync.Mutex
	lastActivity time.Time
	lastPlayback time.Time
	turnCancel   context.CancelFunc
	lines        []archive.Line
	usage        types.Usage
	turnCount    int
	failedTurns  int
}

var _ engine.Session = (*Session)(nil)

// deps are the shared collaborators a [Registry] hands to new sessions.
type deps struct {
	handler    Handler
	vad        vad.Engine
	summariser Summariser
	metrics    *observe.Metrics
	now        func() time.Time
}

func newSession(ctx context.Context, id string, cfg Config, client Client, d deps) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session: config: %w", err)
	}
	detector, err := d.vad.NewSession(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("session: open vad: %w", err)
	}

	ctx, cancel := context.WithCancel(observe.WithSessionID(ctx, id))
	now := d.now()
	s := &Session{
		id:           id,
		cfg:          cfg,
		started:      now,
		ctx:          ctx,
		cancel:       cancel,
		handler:      d.handler,
		client:       client,
		metrics:      d.metrics,
		now:          d.now,
		frames:       audio.NewFrameBuffer(cfg.FrameBytes()),
		detector:     detector,
		guard:        pipeline.NewDuplexGuard(cfg.Guard),
		lastActivity: now,
	}
	s.emitter = &guardedEmitter{s: s}
	s.gate = pipeline.NewGate(detector, cfg.EnergyThreshold, func(error) {
		s.metrics.VADErrors.Add(s.ctx, 1)
	})
	s.seg, err = pipeline.NewSegmenter(cfg.Segmenter, s.emitter.Status)
	if err != nil {
		cancel()
		_ = detector.Close()
		return nil, fmt.Errorf("session: %w", err)
	}

	if cfg.MaxHistoryTokens > 0 && d.summariser != nil {
		s.history = NewContextManager(ContextManagerConfig{
			SystemPrompt: cfg.SystemPrompt,
			MaxTokens:    cfg.MaxHistoryTokens,
			Summariser:   d.summariser,
		})
	} else {
		s.history = engine.NewHistory(cfg.SystemPrompt)
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// History returns the conversation history.
func (s *Session) History() engine.History { return s.history }

// Emitter returns the client sink. Emissions after the session closed are
// dropped.
func (s *Session) Emitter() engine.Emitter { return s.emitter }

// SetProcessing marks whether a turn is in flight.
func (s *Session) SetProcessing(processing bool) { s.processing.Store(processing) }

// Processing reports whether a turn is in flight.
func (s *Session) Processing() bool { return s.processing.Load() }

// Closed reports whether the session was removed from its registry.
func (s *Session) Closed() bool { return s.closed.Load() }

// Done is closed once the session has been disconnected.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// EndTurn records a finished turn for the session report.
func (s *Session) EndTurn(turn engine.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.turnCount++
	if turn.Err != nil {
		s.failedTurns++
	}
	s.usage = s.usage.Add(turn.Usage)
	s.lines = append(s.lines, archive.Line{Speaker: archive.SpeakerUser, Text: turn.User, At: now})
	if turn.Assistant != "" {
		s.lines = append(s.lines, archive.Line{Speaker: archive.SpeakerBot, Text: turn.Assistant, At: now})
	}
}

// SetPlayback records whether the client is currently playing assistant
// audio.
func (s *Session) SetPlayback(playing bool) {
	if s.speaking.Swap(playing) == playing {
		return
	}
	s.mu.Lock()
	s.lastPlayback = s.now()
	s.mu.Unlock()
}

// LastActivity returns when audio was last received.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// CancelTurn cancels the turn in flight, if any.
func (s *Session) CancelTurn() {
	s.mu.Lock()
	cancel := s.turnCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Ingest feeds a raw PCM chunk of any size. Complete frames are classified
// and segmented; a finished utterance starts a turn.
//
// While a turn is in flight frames still pass the speech gate and the duplex
// guard, so the user can interrupt playback, but they never reach the
// segmenter. The frame that interrupts starts the next recording.
func (s *Session) Ingest(chunk []byte) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()

	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()
	if s.closed.Load() {
		return
	}

	for _, frame := range s.frames.Write(chunk) {
		speech := s.gate.IsSpeech(frame)
		switch s.guard.Observe(s.now(), s.playing(), speech) {
		case pipeline.FlushInput:
			s.frames.Reset()
			return
		case pipeline.Interrupt:
			s.interrupt()
		case pipeline.Ignore:
			continue
		}

		if s.processing.Load() {
			s.metrics.FramesDropped.Add(s.ctx, 1)
			continue
		}
		if u, ok := s.seg.Push(frame, speech); ok {
			s.startTurn(u)
		}
	}
}

func (s *Session) playing() bool {
	if pr, ok := s.client.(PlaybackReporter); ok {
		return pr.Playing()
	}
	return s.speaking.Load()
}

// interrupt stops playback, cancels and waits out the turn in flight and
// drops buffered input, leaving the segmenter ready to record the speech that
// interrupted. Must be called with ingestMu held.
func (s *Session) interrupt() {
	observe.Logger(s.ctx).Info("playback interrupted by user speech")
	s.metrics.Interruptions.Add(s.ctx, 1)
	if !s.closed.Load() {
		s.client.Interrupt()
	}
	s.CancelTurn()
	s.turns.Wait()
	s.SetPlayback(false)
	s.frames.Reset()
	s.seg.Reset()
}

// startTurn runs u on a new turn goroutine. Must be called with ingestMu
// held, which keeps it ordered with close.
func (s *Session) startTurn(u pipeline.Utterance) {
	s.processing.Store(true)
	s.metrics.RecordUtterance(s.ctx, "segmented")

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.turnCancel = cancel
	s.mu.Unlock()

	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		defer cancel()
		err := s.handler.HandleUtterance(ctx, s, u)
		if err != nil && !errors.Is(err, context.Canceled) {
			observe.Logger(ctx).Debug("turn ended with error", "err", err)
		}
	}()
}

// close stops ingestion, cancels the turn in flight, waits for it and
// releases the detector. The caller must have set the closed flag.
func (s *Session) close() error {
	s.ingestMu.Lock()
	s.cancel()
	s.ingestMu.Unlock()

	s.turns.Wait()
	return s.detector.Close()
}

// Report builds the archive report of the session as of ended.
func (s *Session) Report(ended time.Time, model string, prices archive.PriceTable) archive.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := make([]archive.Line, len(s.lines))
	copy(lines, s.lines)
	return archive.Report{
		SessionID:   s.id,
		Mode:        s.cfg.Mode,
		Started:     s.started,
		Ended:       ended,
		Lines:       lines,
		Turns:       s.turnCount,
		FailedTurns: s.failedTurns,
		Usage:       s.usage,
		Model:       model,
		CostUSD:     prices.Cost(model, s.usage),
	}
}

// guardedEmitter forwards to the client while the session is open.
type guardedEmitter struct {
	s *Session
}

func (e *guardedEmitter) open() bool { return !e.s.closed.Load() }

func (e *guardedEmitter) Status(state pipeline.Status) {
	if e.open() {
		e.s.client.Status(state)
	}
}

func (e *guardedEmitter) Transcription(text string) {
	if e.open() {
		e.s.client.Transcription(text)
	}
}

func (e *guardedEmitter) Token(token string) {
	if e.open() {
		e.s.client.Token(token)
	}
}

func (e *guardedEmitter) Audio(index int, audio []byte) {
	if e.open() {
		e.s.client.Audio(index, audio)
	}
}

func (e *guardedEmitter) AudioSkip(index int) {
	if e.open() {
		e.s.client.AudioSkip(index)
	}
}

func (e *guardedEmitter) TurnComplete(total int) {
	if e.open() {
		e.s.client.TurnComplete(total)
	}
}

func (e *guardedEmitter) Error(message string) {
	if e.open() {
		e.s.client.Error(message)
	}
}
