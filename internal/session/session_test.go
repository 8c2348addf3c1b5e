package session

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/archive"
	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/engine/mock"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/pkg/provider/vad"
	vadmock "github.com/MrWong99/parley/pkg/provider/vad/mock"
	"github.com/MrWong99/parley/pkg/types"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

const frameBytes = 960

var (
	speechFrame  = bytes.Repeat([]byte{1}, frameBytes)
	silenceFrame = make([]byte, frameBytes)
)

// frames concatenates n copies of f.
func frames(f []byte, n int) []byte { return bytes.Repeat(f, n) }

// classify treats frames with a non-zero first byte as speech.
func classify(frame []byte) vad.Event {
	if frame[0] != 0 {
		return vad.Event{Type: vad.SpeechContinue, Probability: 0.9}
	}
	return vad.Event{Type: vad.Silence}
}

func newVAD() (*vadmock.Engine, *vadmock.Session) {
	s := &vadmock.Session{Classify: classify}
	return &vadmock.Engine{Session: s}, s
}

// testConfig segments 3 speech frames followed by 3 silent frames into one
// utterance. Fewer than 3 speech frames are rejected.
func testConfig() Config {
	return Config{
		Mode: "web",
		Segmenter: pipeline.SegmenterConfig{
			SampleRate:   16000,
			Frame:        30 * time.Millisecond,
			EndSilence:   60 * time.Millisecond,
			MinUtterance: 90 * time.Millisecond,
		},
		VAD:          vad.Config{SampleRate: 16000, FrameSizeMs: 30},
		SystemPrompt: "You are a helpful voice assistant.",
	}
}

// utteranceAudio is one complete utterance for testConfig.
func utteranceAudio() []byte {
	return append(frames(speechFrame, 3), frames(silenceFrame, 3)...)
}

type fakeClient struct {
	*mock.Emitter
	interrupts atomic.Int32
}

func newClient() *fakeClient { return &fakeClient{Emitter: &mock.Emitter{}} }

func (c *fakeClient) Interrupt() { c.interrupts.Add(1) }

// playingClient reports its own playback state.
type playingClient struct {
	*fakeClient
	playing atomic.Bool
}

func (c *playingClient) Playing() bool { return c.playing.Load() }

// fakeHandler mimics the engine's turn bookkeeping. When release is non-nil
// each turn blocks until it is closed or the turn is cancelled.
type fakeHandler struct {
	release chan struct{}
	turn    engine.Turn
	started chan pipeline.Utterance
	ended   chan error
}

func newHandler() *fakeHandler {
	return &fakeHandler{
		started: make(chan pipeline.Utterance, 8),
		ended:   make(chan error, 8),
	}
}

func (h *fakeHandler) HandleUtterance(ctx context.Context, sess engine.Session, u pipeline.Utterance) error {
	sess.SetProcessing(true)
	h.started <- u
	var err error
	if h.release != nil {
		select {
		case <-h.release:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if h.turn.User != "" {
		sess.EndTurn(h.turn)
	}
	sess.SetProcessing(false)
	sess.Emitter().Status(pipeline.StatusReady)
	h.ended <- err
	return err
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingStore is an archive.Store that keeps saved reports.
type recordingStore struct {
	mu      sync.Mutex
	reports []archive.Report
	err     error
}

func (s *recordingStore) Save(_ context.Context, r archive.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return s.err
}

func (s *recordingStore) Load(context.Context, string) (archive.Report, error) {
	return archive.Report{}, archive.ErrNotFound
}
func (s *recordingStore) Ping(context.Context) error { return nil }
func (s *recordingStore) Close() error               { return nil }

func (s *recordingStore) saved() []archive.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]archive.Report(nil), s.reports...)
}

func waitUtterance(t *testing.T, h *fakeHandler) pipeline.Utterance {
	t.Helper()
	select {
	case u := <-h.started:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a turn to start")
		return pipeline.Utterance{}
	}
}

func waitEnded(t *testing.T, h *fakeHandler) error {
	t.Helper()
	select {
	case err := <-h.ended:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a turn to end")
		return nil
	}
}

func assertNoTurn(t *testing.T, h *fakeHandler) {
	t.Helper()
	select {
	case <-h.started:
		t.Fatal("unexpected turn")
	case <-time.After(50 * time.Millisecond):
	}
}

// waitIdle polls until the session has no turn in flight.
func waitIdle(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Processing() {
		if time.Now().After(deadline) {
			t.Fatal("session still processing")
		}
		time.Sleep(time.Millisecond)
	}
}

func connect(t *testing.T, r *Registry, c Client) *Session {
	t.Helper()
	s, err := r.Connect(context.Background(), c)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

func TestConfig_FrameBytes(t *testing.T) {
	t.Parallel()

	if got := testConfig().FrameBytes(); got != frameBytes {
		t.Errorf("want %d, got %d", frameBytes, got)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "zero sample rate", mutate: func(c *Config) { c.Segmenter.SampleRate = 0 }, wantErr: true},
		{name: "energy above one", mutate: func(c *Config) { c.EnergyThreshold = 1.5 }, wantErr: true},
		{name: "negative history", mutate: func(c *Config) { c.MaxHistoryTokens = -1 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Ingestion
// ---------------------------------------------------------------------------

func TestSession_IngestStartsTurn(t *testing.T) {
	t.Parallel()

	h := newHandler()
	eng, _ := newVAD()
	r := NewRegistry(h, eng, testConfig())
	c := newClient()
	s := connect(t, r, c)

	s.Ingest(utteranceAudio())

	u := waitUtterance(t, h)
	if len(u.Frames) != 6 || u.SampleRate != 16000 {
		t.Errorf("want 6 frames at 16000 Hz, got %d at %d", len(u.Frames), u.SampleRate)
	}
	waitEnded(t, h)

	statuses := c.OfKind(mock.KindStatus)
	want := []pipeline.Status{pipeline.StatusListening, pipeline.StatusProcessing, pipeline.StatusReady}
	if len(statuses) != len(want) {
		t.Fatalf("want %d status events, got %+v", len(want), statuses)
	}
	for i, ev := range statuses {
		if ev.Status != want[i] {
			t.Errorf("status %d: want %s, got %s", i, want[i], ev.Status)
		}
	}
}

func TestSession_IngestOddChunkSizes(t *testing.T) {
	t.Parallel()

	h := newHandler()
	eng, vs := newVAD()
	r := NewRegistry(h, eng, testConfig())
	s := connect(t, r, newClient())

	pcm := utteranceAudio()
	for len(pcm) > 0 {
		n := min(7, len(pcm))
		s.Ingest(pcm[:n])
		pcm = pcm[n:]
	}

	if u := waitUtterance(t, h); len(u.Frames) != 6 {
		t.Errorf("want 6 frames, got %d", len(u.Frames))
	}
	for i, call := range vs.ProcessFrameCalls {
		if len(call.Frame) != frameBytes {
			t.Errorf("frame %d: want %d bytes, got %d", i, frameBytes, len(call.Frame))
		}
	}
}

func TestSession_DropsAudioWhileProcessing(t *testing.T) {
	t.Parallel()

	h := newHandler()
	h.release = make(chan struct{})
	eng, _ := newVAD()
	r := NewRegistry(h, eng, testConfig())
	s := connect(t, r, newClient())

	s.Ingest(utteranceAudio())
	waitUtterance(t, h)
	if !s.Processing() {
		t.Fatal("want processing while the turn runs")
	}

	s.Ingest(utteranceAudio())
	assertNoTurn(t, h)

	close(h.release)
	waitEnded(t, h)
	waitIdle(t, s)

	s.Ingest(utteranceAudio())
	waitUtterance(t, h)
}

func TestSession_ShortUtteranceDoesNotStartTurn(t *testing.T) {
	t.Parallel()

	h := newHandler()
	eng, _ := newVAD()
	r := NewRegistry(h, eng, testConfig())
	c := newClient()
	s := connect(t, r, c)

	s.Ingest(append(frames(speechFrame, 1), frames(silenceFrame, 3)...))
	assertNoTurn(t, h)

	statuses := c.OfKind(mock.KindStatus)
	if len(statuses) != 3 || statuses[2].Status != pipeline.StatusReady {
		t.Errorf("want listening, processing, ready, got %+v", statuses)
	}
}

// ---------------------------------------------------------------------------
// Duplex guard
// ---------------------------------------------------------------------------

func guardConfig() Config {
	cfg := testConfig()
	cfg.Guard = pipeline.GuardConfig{
		InterruptionCooldown: 200 * time.Millisecond,
		PostSpeechSilence:    100 * time.Millisecond,
	}
	return cfg
}

func TestSession_EchoIgnoredDuringCooldown(t *testing.T) {
	t.Parallel()

	h := newHandler()
	eng, _ := newVAD()
	clock := newClock()
	r := NewRegistry(h, eng, guardConfig(), WithClock(clock.Now))
	c := &playingClient{fakeClient: newClient()}
	c.playing.Store(true)
	s := connect(t, r, c)

	s.Ingest(utteranceAudio())
	assertNoTurn(t, h)
	if n := c.interrupts.Load(); n != 0 {
		t.Errorf("want no interrupt during cooldown, got %d", n)
	}

	// Playback stops: the first frame flushes, the echo tail is ignored.
	c.playing.Store(false)
	s.Ingest(utteranceAudio())
	assertNoTurn(t, h)

	clock.Advance(150 * time.Millisecond)
	s.Ingest(utteranceAudio())
	waitUtterance(t, h)
}

func TestSession_BargeInInterruptsPlayback(t *testing.T) {
	t.Parallel()

	h := newHandler()
	eng, _ := newVAD()
	clock := newClock()
	r := NewRegistry(h, eng, guardConfig(), WithClock(clock.Now))
	c := &playingClient{fakeClient: newClient()}
	c.playing.Store(true)
	s := connect(t, r, c)

	s.Ingest(speechFrame)
	clock.Advance(300 * time.Millisecond)
	s.Ingest(speechFrame)

	if n := c.interrupts.Load(); n != 1 {
		t.Fatalf("want 1 interrupt, got %d", n)
	}
	assertNoTurn(t, h)
}

func TestSession_BargeInCancelsTurn(t *testing.T) {
	t.Parallel()

	h := newHandler()
	h.release = make(chan struct{})
	eng, _ := newVAD()
	clock := newClock()
	r := NewRegistry(h, eng, guardConfig(), WithClock(clock.Now))
	c := newClient()
	s := connect(t, r, c)

	s.Ingest(utteranceAudio())
	waitUtterance(t, h)

	s.SetPlayback(true)
	s.Ingest(speechFrame)
	clock.Advance(300 * time.Millisecond)
	s.Ingest(speechFrame)

	if err := waitEnded(t, h); !errors.Is(err, context.Canceled) {
		t.Errorf("want the turn cancelled, got %v", err)
	}
	if n := c.interrupts.Load(); n != 1 {
		t.Errorf("want 1 interrupt, got %d", n)
	}
}

// stoppingClient stops playing when told to interrupt, like the browser and
// the local terminal do.
type stoppingClient struct {
	*playingClient
}

func (c *stoppingClient) Interrupt() {
	c.playing.Store(false)
	c.fakeClient.Interrupt()
}

func TestSession_BargeInStartsRecording(t *testing.T) {
	t.Parallel()

	h := newHandler()
	h.release = make(chan struct{})
	eng, _ := newVAD()
	clock := newClock()
	r := NewRegistry(h, eng, guardConfig(), WithClock(clock.Now))
	c := &stoppingClient{playingClient: &playingClient{fakeClient: newClient()}}
	s := connect(t, r, c)

	s.Ingest(utteranceAudio())
	waitUtterance(t, h)

	c.playing.Store(true)
	s.Ingest(silenceFrame)
	clock.Advance(300 * time.Millisecond)

	// The interrupting frame and the speech right after it form the next
	// utterance without waiting for an echo window.
	s.Ingest(utteranceAudio())
	if err := waitEnded(t, h); !errors.Is(err, context.Canceled) {
		t.Fatalf("want the first turn cancelled, got %v", err)
	}
	u := waitUtterance(t, h)
	if len(u.Frames) != 6 {
		t.Errorf("want all 6 frames of the interrupting utterance, got %d", len(u.Frames))
	}
	if n := c.interrupts.Load(); n != 1 {
		t.Errorf("want 1 interrupt, got %d", n)
	}
	close(h.release)
}

func TestSession_CancelTurn(t *testing.T) {
	t.Parallel()

	h := newHandler()
	h.release = make(chan struct{})
	eng, _ := newVAD()
	r := NewRegistry(h, eng, testConfig())
	s := connect(t, r, newClient())

	s.CancelTurn() // no turn in flight
	s.Ingest(utteranceAudio())
	waitUtterance(t, h)
	s.CancelTurn()

	if err := waitEnded(t, h); !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

func TestSession_HistorySelection(t *testing.T) {
	t.Parallel()

	eng, _ := newVAD()

	plain := connect(t, NewRegistry(newHandler(), eng, testConfig()), newClient())
	if _, ok := plain.History().(*engine.MemoryHistory); !ok {
		t.Errorf("want *engine.MemoryHistory, got %T", plain.History())
	}
	if msgs := plain.History().Messages(); len(msgs) != 1 || msgs[0].Role != types.RoleSystem {
		t.Errorf("want system prompt only, got %+v", msgs)
	}

	cfg := testConfig()
	cfg.MaxHistoryTokens = 2000
	bounded := connect(t, NewRegistry(newHandler(), eng, cfg, WithSummariser(&mockSummariser{})), newClient())
	if _, ok := bounded.History().(*ContextManager); !ok {
		t.Errorf("want *ContextManager, got %T", bounded.History())
	}
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestRegistry_ConnectGetDisconnect(t *testing.T) {
	t.Parallel()

	eng, vs := newVAD()
	r := NewRegistry(newHandler(), eng, testConfig())
	s := connect(t, r, newClient())

	if s.ID() == "" {
		t.Fatal("want a session ID")
	}
	got, err := r.Get(s.ID())
	if err != nil || got != s {
		t.Fatalf("Get: want %p, got %p (%v)", s, got, err)
	}
	if r.Len() != 1 {
		t.Errorf("want 1 session, got %d", r.Len())
	}

	if err := r.Disconnect(context.Background(), s.ID()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, err := r.Get(s.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound after disconnect, got %v", err)
	}
	if err := r.Disconnect(context.Background(), s.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound on second disconnect, got %v", err)
	}
	if vs.CloseCallCount != 1 {
		t.Errorf("want vad closed once, got %d", vs.CloseCallCount)
	}
	select {
	case <-s.Done():
	default:
		t.Error("want Done closed after disconnect")
	}
}

func TestRegistry_ConnectVADError(t *testing.T) {
	t.Parallel()

	eng := &vadmock.Engine{NewSessionErr: errors.New("model missing")}
	r := NewRegistry(newHandler(), eng, testConfig())
	if _, err := r.Connect(context.Background(), newClient()); err == nil {
		t.Fatal("expected error")
	}
	if r.Len() != 0 {
		t.Errorf("want no sessions, got %d", r.Len())
	}
}

func TestRegistry_ClosedSessionIgnoresEvents(t *testing.T) {
	t.Parallel()

	eng, vs := newVAD()
	r := NewRegistry(newHandler(), eng, testConfig())
	c := newClient()
	s := connect(t, r, c)
	em := s.Emitter()

	if err := r.Disconnect(context.Background(), s.ID()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	em.Status(pipeline.StatusReady)
	em.Error("late")
	s.Ingest(utteranceAudio())

	if evs := c.Events(); len(evs) != 0 {
		t.Errorf("want no events after close, got %+v", evs)
	}
	if n := len(vs.ProcessFrameCalls); n != 0 {
		t.Errorf("want no frames processed after close, got %d", n)
	}
}

func TestRegistry_DisconnectArchivesReport(t *testing.T) {
	t.Parallel()

	h := newHandler()
	h.turn = engine.Turn{
		User:      "What time is it?",
		Assistant: "I don't have a clock.",
		Usage:     types.Usage{PromptTokens: 1_000_000, CompletionTokens: 0, TotalTokens: 1_000_000},
	}
	eng, _ := newVAD()
	store := &recordingStore{}
	r := NewRegistry(h, eng, testConfig(), WithArchive(store, archive.DefaultPrices(), "gpt-4o-mini"))

	idle := connect(t, r, newClient())
	if err := r.Disconnect(context.Background(), idle.ID()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if n := len(store.saved()); n != 0 {
		t.Fatalf("want no report for a session without turns, got %d", n)
	}

	s := connect(t, r, newClient())
	s.Ingest(utteranceAudio())
	waitUtterance(t, h)
	waitEnded(t, h)

	if err := r.Disconnect(context.Background(), s.ID()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	saved := store.saved()
	if len(saved) != 1 {
		t.Fatalf("want 1 report, got %d", len(saved))
	}
	rep := saved[0]
	if rep.SessionID != s.ID() || rep.Mode != "web" || rep.Turns != 1 {
		t.Errorf("unexpected report %+v", rep)
	}
	if len(rep.Lines) != 2 || rep.Lines[0].Speaker != archive.SpeakerUser || rep.Lines[1].Text != h.turn.Assistant {
		t.Errorf("unexpected transcript %+v", rep.Lines)
	}
	if math.Abs(rep.CostUSD-0.15) > 1e-9 {
		t.Errorf("want cost 0.15, got %v", rep.CostUSD)
	}
}

func TestRegistry_DisconnectReportsArchiveError(t *testing.T) {
	t.Parallel()

	h := newHandler()
	h.turn = engine.Turn{User: "hi", Err: errors.New("tts down")}
	eng, _ := newVAD()
	store := &recordingStore{err: errors.New("disk full")}
	r := NewRegistry(h, eng, testConfig(), WithArchive(store, nil, ""))

	s := connect(t, r, newClient())
	s.Ingest(utteranceAudio())
	waitUtterance(t, h)
	waitEnded(t, h)

	if err := r.Disconnect(context.Background(), s.ID()); err == nil {
		t.Fatal("expected archive error")
	}
	if saved := store.saved(); len(saved) != 1 || saved[0].FailedTurns != 1 {
		t.Errorf("want one report with a failed turn, got %+v", saved)
	}
}

func TestRegistry_ReapIdle(t *testing.T) {
	t.Parallel()

	eng := &vadmock.Engine{}
	clock := newClock()
	r := NewRegistry(newHandler(), eng, testConfig(), WithClock(clock.Now))
	stale := connect(t, r, newClient())
	active := connect(t, r, newClient())

	clock.Advance(2 * time.Minute)
	active.Ingest(silenceFrame)

	if n := r.ReapIdle(context.Background(), time.Minute); n != 1 {
		t.Fatalf("want 1 reaped, got %d", n)
	}
	if _, err := r.Get(stale.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("want stale session removed, got %v", err)
	}
	if _, err := r.Get(active.ID()); err != nil {
		t.Errorf("want active session kept, got %v", err)
	}
}

func TestRegistry_SetConfig(t *testing.T) {
	t.Parallel()

	eng, _ := newVAD()
	r := NewRegistry(newHandler(), eng, testConfig())

	bad := testConfig()
	bad.Segmenter.Frame = 0
	if err := r.SetConfig(bad); err == nil {
		t.Error("expected invalid config to be rejected")
	}

	next := testConfig()
	next.Mode = "local"
	if err := r.SetConfig(next); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	if got := r.Config().Mode; got != "local" {
		t.Errorf("want mode local, got %q", got)
	}
}

func TestRegistry_Shutdown(t *testing.T) {
	t.Parallel()

	h := newHandler()
	h.release = make(chan struct{})
	eng, _ := newVAD()
	r := NewRegistry(h, eng, testConfig())
	busy := connect(t, r, newClient())
	connect(t, r, newClient())

	busy.Ingest(utteranceAudio())
	waitUtterance(t, h)

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("want no sessions, got %d", r.Len())
	}
	if err := waitEnded(t, h); !errors.Is(err, context.Canceled) {
		t.Errorf("want in-flight turn cancelled, got %v", err)
	}
}
