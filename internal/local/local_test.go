package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/archive"
	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/provider/vad"
	vadmock "github.com/MrWong99/parley/pkg/provider/vad/mock"
	"github.com/MrWong99/parley/pkg/types"
)

// recordingPlayer records clips. When block is set, Play waits for ctx
// cancellation.
type recordingPlayer struct {
	mu     sync.Mutex
	played []string
	block  bool
	start  chan string
}

func (p *recordingPlayer) Play(ctx context.Context, audio []byte) error {
	p.mu.Lock()
	p.played = append(p.played, string(audio))
	block := p.block
	p.mu.Unlock()
	if p.start != nil {
		p.start <- string(audio)
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (p *recordingPlayer) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.played)
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitQueueIdle(t *testing.T, term *Terminal) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for term.Playing() {
		if time.Now().After(deadline) {
			t.Fatal("playback did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTerminal_PrintsConversation(t *testing.T) {
	t.Parallel()

	q := playback.New(&recordingPlayer{})
	defer q.Close()
	var out syncBuffer
	term := NewTerminal(&out, q)

	term.Status(pipeline.StatusListening)
	term.Status(pipeline.StatusProcessing)
	term.Transcription("What's up?")
	term.Token("Not")
	term.Token(" much.")
	term.TurnComplete(1)
	term.Status(pipeline.StatusReady)
	term.Error("stt failed")

	want := "[listening]\n[processing]\nYou: What's up?\nBot: Not much.\n[error] stt failed\n"
	if got := out.String(); got != want {
		t.Errorf("want output\n%q\ngot\n%q", want, got)
	}
}

func TestTerminal_ErrorEndsBotLine(t *testing.T) {
	t.Parallel()

	q := playback.New(&recordingPlayer{})
	defer q.Close()
	var out syncBuffer
	term := NewTerminal(&out, q)

	term.Token("Half a")
	term.Error("llm stream broke")

	want := "Bot: Half a\n[error] llm stream broke\n"
	if got := out.String(); got != want {
		t.Errorf("want %q, got %q", want, got)
	}
}

func TestTerminal_PlaysInSentenceOrder(t *testing.T) {
	t.Parallel()

	p := &recordingPlayer{}
	q := playback.New(p)
	defer q.Close()
	term := NewTerminal(io.Discard, q)

	term.Transcription("hi")
	term.Audio(2, []byte("c"))
	term.Audio(1, []byte("b"))
	if !term.Playing() {
		t.Error("want Playing while sentences are queued")
	}
	term.AudioSkip(0)
	waitQueueIdle(t, term)

	if got, want := p.snapshot(), []string{"b", "c"}; !slices.Equal(got, want) {
		t.Errorf("want %v, got %v", want, got)
	}
}

func TestTerminal_InterruptDiscardsReply(t *testing.T) {
	t.Parallel()

	p := &recordingPlayer{block: true, start: make(chan string, 4)}
	q := playback.New(p)
	defer q.Close()
	var out syncBuffer
	term := NewTerminal(&out, q)

	term.Transcription("tell me a story")
	term.Audio(0, []byte("once"))
	select {
	case <-p.start:
	case <-time.After(2 * time.Second):
		t.Fatal("playback did not start")
	}

	term.Interrupt()
	term.Audio(1, []byte("upon"))
	waitQueueIdle(t, term)
	if got := p.snapshot(); !slices.Equal(got, []string{"once"}) {
		t.Errorf("want only the first clip, got %v", got)
	}
	if !strings.Contains(out.String(), "[interrupted]") {
		t.Errorf("want interruption printed, got %q", out.String())
	}

	// The next reply plays again.
	p.mu.Lock()
	p.block = false
	p.mu.Unlock()
	term.Transcription("go on")
	term.Audio(0, []byte("again"))
	select {
	case got := <-p.start:
		if got != "again" {
			t.Errorf("want again, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("playback did not resume after a new turn")
	}
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// echoHandler answers every utterance with one sentence and closes done.
type echoHandler struct {
	once sync.Once
	done chan struct{}
}

func (h *echoHandler) HandleUtterance(_ context.Context, sess engine.Session, _ pipeline.Utterance) error {
	sess.SetProcessing(true)
	em := sess.Emitter()
	em.Transcription("hello")
	em.Token("Hi.")
	em.Audio(0, []byte("hi"))
	em.TurnComplete(1)
	sess.EndTurn(engine.Turn{User: "hello", Assistant: "Hi.", Usage: types.Usage{TotalTokens: 3}})
	sess.SetProcessing(false)
	em.Status(pipeline.StatusReady)
	h.once.Do(func() { close(h.done) })
	return nil
}

// gatedReader returns EOF once gate is closed.
type gatedReader struct{ gate chan struct{} }

func (r gatedReader) Read([]byte) (int, error) {
	<-r.gate
	return 0, io.EOF
}

type memStore struct {
	mu      sync.Mutex
	reports []archive.Report
}

func (s *memStore) Save(_ context.Context, r archive.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}
func (s *memStore) Load(context.Context, string) (archive.Report, error) {
	return archive.Report{}, archive.ErrNotFound
}
func (s *memStore) Ping(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

func localConfig() session.Config {
	return session.Config{
		Mode: "local",
		Segmenter: pipeline.SegmenterConfig{
			SampleRate:   16000,
			Frame:        30 * time.Millisecond,
			StartFrames:  3,
			EndSilence:   60 * time.Millisecond,
			MinUtterance: 90 * time.Millisecond,
		},
		VAD: vad.Config{SampleRate: 16000, FrameSizeMs: 30},
	}
}

func TestRun(t *testing.T) {
	t.Parallel()

	h := &echoHandler{done: make(chan struct{})}
	eng := &vadmock.Engine{Session: &vadmock.Session{Classify: func(f []byte) vad.Event {
		if f[0] != 0 {
			return vad.Event{Type: vad.SpeechContinue}
		}
		return vad.Event{Type: vad.Silence}
	}}}
	store := &memStore{}
	reg := session.NewRegistry(h, eng, localConfig(), session.WithArchive(store, nil, ""))

	p := &recordingPlayer{}
	q := playback.New(p)
	defer q.Close()
	var out syncBuffer
	term := NewTerminal(&out, q)

	// Four speech frames pass the start debounce of three.
	speech := bytes.Repeat([]byte{1}, 960*6)
	silence := make([]byte, 960*3)
	src := io.MultiReader(bytes.NewReader(append(speech, silence...)), gatedReader{gate: h.done})

	if err := Run(context.Background(), reg, src, term); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, want := range []string{"[listening]", "You: hello", "Bot: Hi."} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
	if reg.Len() != 0 {
		t.Errorf("want session disconnected, got %d live", reg.Len())
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.reports) != 1 || store.reports[0].Mode != "local" || store.reports[0].Turns != 1 {
		t.Errorf("want one local report, got %+v", store.reports)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("device unplugged") }

func TestRun_ReadError(t *testing.T) {
	t.Parallel()

	reg := session.NewRegistry(&echoHandler{done: make(chan struct{})}, &vadmock.Engine{}, localConfig())
	q := playback.New(&recordingPlayer{})
	defer q.Close()

	err := Run(context.Background(), reg, errReader{}, NewTerminal(io.Discard, q))
	if err == nil || !strings.Contains(err.Error(), "device unplugged") {
		t.Errorf("want read error, got %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("want session disconnected, got %d live", reg.Len())
	}
}

// ---------------------------------------------------------------------------
// Processes
// ---------------------------------------------------------------------------

func TestNewExecPlayer_Empty(t *testing.T) {
	t.Parallel()

	if _, err := NewExecPlayer("   "); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestExecPlayer_Play(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	p, err := NewExecPlayer("cat")
	if err != nil {
		t.Fatalf("NewExecPlayer: %v", err)
	}
	if err := p.Play(context.Background(), []byte("audio")); err != nil {
		t.Errorf("Play: %v", err)
	}
}

func TestExecPlayer_CancelStopsPlayback(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	p, err := NewExecPlayer("sleep 10")
	if err != nil {
		t.Fatalf("NewExecPlayer: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = p.Play(ctx, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("want context.DeadlineExceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("player was not stopped promptly")
	}
}

func TestOpenSource_Command(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("printf"); err != nil {
		t.Skip("printf not available")
	}
	src, err := OpenSource(context.Background(), "printf pcm")
	if err != nil {
		t.Fatalf("OpenSource: %v", err)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "pcm" {
		t.Errorf("want pcm, got %q", data)
	}
	if err := src.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
