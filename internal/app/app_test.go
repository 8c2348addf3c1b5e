package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/archive"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/transport"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	vadmock "github.com/MrWong99/parley/pkg/provider/vad/mock"
	"github.com/MrWong99/parley/pkg/types"
)

// memStore is an in-memory archive.Store.
type memStore struct {
	mu      sync.Mutex
	reports map[string]archive.Report
	pingErr error
	closed  int
}

func newMemStore() *memStore { return &memStore{reports: make(map[string]archive.Report)} }

func (s *memStore) Save(_ context.Context, r archive.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[r.SessionID] = r
	return nil
}

func (s *memStore) Load(_ context.Context, id string) (archive.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return archive.Report{}, archive.ErrNotFound
	}
	return r, nil
}

func (s *memStore) Ping(context.Context) error { return s.pingErr }

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// testConfig returns the default config with every provider named.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(`
providers:
  llm: {name: openai, model: gpt-4o-mini}
  stt: {name: openai}
  tts: {name: openai}
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func testProviders() *app.Providers {
	return &app.Providers{
		LLM: &llmmock.Provider{},
		STT: &sttmock.Provider{},
		TTS: &ttsmock.Provider{Audio: []byte{1, 2}},
		VAD: &vadmock.Engine{},
	}
}

func newApp(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		strip func(*app.Providers)
	}{
		{"no llm", func(p *app.Providers) { p.LLM = nil }},
		{"no stt", func(p *app.Providers) { p.STT = nil }},
		{"no tts", func(p *app.Providers) { p.TTS = nil }},
		{"no vad", func(p *app.Providers) { p.VAD = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := testProviders()
			tt.strip(p)
			if _, err := app.New(context.Background(), testConfig(t), p); err == nil {
				t.Fatal("want error, got nil")
			}
		})
	}
}

func TestNew_FileArchive(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Archive.Store = config.ArchiveFile
	cfg.Archive.Dir = t.TempDir()

	a := newApp(t, cfg, testProviders())
	if a.Registry() == nil {
		t.Fatal("want registry, got nil")
	}
}

func TestSessionConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Pipeline.StartFrames = 0
	cfg.Pipeline.EnergyThreshold = -1

	web := app.SessionConfig(cfg, app.ModeWeb)
	if web.Mode != app.ModeWeb || web.Segmenter.StartFrames != 0 {
		t.Errorf("web: want mode web and 0 start frames, got %q and %d", web.Mode, web.Segmenter.StartFrames)
	}
	if web.EnergyThreshold != 0 {
		t.Errorf("want negative energy threshold to disable the gate, got %v", web.EnergyThreshold)
	}
	if web.Segmenter.Frame != 30*time.Millisecond || web.VAD.FrameSizeMs != 30 || web.VAD.SampleRate != 16000 {
		t.Errorf("want 30ms frames at 16kHz, got %+v / %+v", web.Segmenter, web.VAD)
	}
	if web.Segmenter.EndSilence != config.DefaultEndSilence || web.Guard.InterruptionCooldown != config.DefaultCooldown {
		t.Errorf("want defaults carried over, got %+v / %+v", web.Segmenter, web.Guard)
	}
	if err := web.Validate(); err != nil {
		t.Errorf("want valid session config, got %v", err)
	}

	loc := app.SessionConfig(cfg, app.ModeLocal)
	if loc.Segmenter.StartFrames != config.DefaultLocalStartFrames {
		t.Errorf("local: want %d start frames, got %d", config.DefaultLocalStartFrames, loc.Segmenter.StartFrames)
	}
}

func TestHandler_Health(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		pingErr    error
		wantStatus string
	}{
		{"ok", nil, "ok"},
		{"archive down degrades", errors.New("disk full"), "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := newMemStore()
			store.pingErr = tt.pingErr
			a := newApp(t, testConfig(t), testProviders(), app.WithArchive(store))
			srv := httptest.NewServer(a.Handler(nil))
			defer srv.Close()

			if code := getJSON(t, srv.URL+"/healthz", nil); code != http.StatusOK {
				t.Fatalf("healthz: want 200, got %d", code)
			}
			var body struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			if code := getJSON(t, srv.URL+"/readyz", &body); code != http.StatusOK {
				t.Fatalf("readyz: want 200, got %d", code)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("want status %q, got %q (%v)", tt.wantStatus, body.Status, body.Checks)
			}
			if body.Checks["providers"] != "ok" {
				t.Errorf("want providers ok, got %q", body.Checks["providers"])
			}
		})
	}
}

func TestHandler_Metrics(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(t), testProviders())
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "parley_up 1\n")
	})
	srv := httptest.NewServer(a.Handler(metrics))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "parley_up") {
		t.Errorf("want metrics body, got %q", body)
	}
}

func TestHandler_Voices(t *testing.T) {
	t.Parallel()

	p := testProviders()
	p.TTS = &ttsmock.Provider{ListVoicesResult: []types.VoiceProfile{
		{ID: "alloy", Name: "Alloy", Provider: "openai"},
		{ID: "nova", Name: "Nova", Provider: "openai"},
	}}
	a := newApp(t, testConfig(t), p)
	srv := httptest.NewServer(a.Handler(nil))
	defer srv.Close()

	var voices []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if code := getJSON(t, srv.URL+"/api/voices", &voices); code != http.StatusOK {
		t.Fatalf("want 200, got %d", code)
	}
	if len(voices) != 2 || voices[0].ID != "alloy" || voices[1].Name != "Nova" {
		t.Errorf("unexpected voices: %+v", voices)
	}
}

func TestHandler_VoicesError(t *testing.T) {
	t.Parallel()

	p := testProviders()
	p.TTS = &ttsmock.Provider{ListVoicesErr: errors.New("upstream down")}
	a := newApp(t, testConfig(t), p)
	srv := httptest.NewServer(a.Handler(nil))
	defer srv.Close()

	if code := getJSON(t, srv.URL+"/api/voices", nil); code != http.StatusBadGateway {
		t.Errorf("want 502, got %d", code)
	}
}

func TestHandler_Report(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.reports["abc"] = archive.Report{
		SessionID: "abc",
		Mode:      app.ModeWeb,
		Started:   start,
		Ended:     start.Add(2 * time.Minute),
		Lines:     []archive.Line{{Speaker: archive.SpeakerUser, Text: "hello", At: start}},
		Turns:     1,
		Model:     "gpt-4o-mini",
	}
	a := newApp(t, testConfig(t), testProviders(), app.WithArchive(store))
	srv := httptest.NewServer(a.Handler(nil))
	defer srv.Close()

	var rep archive.Report
	if code := getJSON(t, srv.URL+"/api/sessions/abc", &rep); code != http.StatusOK {
		t.Fatalf("want 200, got %d", code)
	}
	if rep.SessionID != "abc" || rep.Turns != 1 || len(rep.Lines) != 1 {
		t.Errorf("unexpected report: %+v", rep)
	}

	resp, err := http.Get(srv.URL + "/api/sessions/abc?format=markdown")
	if err != nil {
		t.Fatalf("GET markdown: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/markdown") {
		t.Errorf("want markdown content type, got %q", ct)
	}
	if !strings.Contains(string(body), "You: hello") {
		t.Errorf("want transcript in markdown, got %q", body)
	}

	if code := getJSON(t, srv.URL+"/api/sessions/missing", nil); code != http.StatusNotFound {
		t.Errorf("missing report: want 404, got %d", code)
	}
}

func TestHandler_WebSocketSessionListed(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(t), testProviders())
	srv := httptest.NewServer(a.Handler(nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	var hello transport.Event
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Type != transport.EventSession || hello.ID == "" {
		t.Fatalf("want session event, got %+v", hello)
	}

	var list struct {
		Sessions []string `json:"sessions"`
	}
	if code := getJSON(t, srv.URL+"/api/sessions", &list); code != http.StatusOK {
		t.Fatalf("want 200, got %d", code)
	}
	if !slices.Contains(list.Sessions, hello.ID) {
		t.Errorf("want %q listed, got %v", hello.ID, list.Sessions)
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	old := testConfig(t)
	var level slog.LevelVar
	a := newApp(t, old, testProviders(), app.WithLogLevel(&level))

	next := testConfig(t)
	next.Server.LogLevel = config.LogDebug
	next.Pipeline.EndSilence = 1200 * time.Millisecond
	next.Server.ListenAddr = ":9999"

	a.ApplyConfig(old, next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("want debug level, got %v", level.Level())
	}
	if got := a.Registry().Config().Segmenter.EndSilence; got != 1200*time.Millisecond {
		t.Errorf("want end silence 1.2s for new sessions, got %s", got)
	}
}

func TestApplyConfig_InvalidSessionSettingsKept(t *testing.T) {
	t.Parallel()

	old := testConfig(t)
	a := newApp(t, old, testProviders())

	next := testConfig(t)
	next.Pipeline.EndSilence = time.Millisecond

	a.ApplyConfig(old, next)

	if got := a.Registry().Config().Segmenter.EndSilence; got != config.DefaultEndSilence {
		t.Errorf("want previous end silence kept, got %s", got)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	a, err := app.New(context.Background(), testConfig(t), testProviders(), app.WithArchive(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, ln, nil) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return within 5s after context cancellation")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
	if store.closed != 1 {
		t.Errorf("want archive closed once, got %d", store.closed)
	}
}

func TestRunLocal_EndsWithSource(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(t), testProviders())

	var out strings.Builder
	err := a.RunLocal(context.Background(), strings.NewReader(""), nopPlayer{}, &out)
	if err != nil {
		t.Fatalf("RunLocal: %v", err)
	}
	if !strings.Contains(out.String(), "listening") {
		t.Errorf("want greeting, got %q", out.String())
	}
}

type nopPlayer struct{}

func (nopPlayer) Play(context.Context, []byte) error { return nil }
