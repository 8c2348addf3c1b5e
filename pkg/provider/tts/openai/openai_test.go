package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/parley/pkg/types"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	bodies := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/speech") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		bodies <- body
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3fake-mp3"))
	}))
	t.Cleanup(srv.Close)

	p, err := New("key", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clip, err := p.Synthesize(context.Background(), "Hi there.", types.VoiceProfile{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(clip) != "ID3fake-mp3" {
		t.Errorf("want clip bytes passed through, got %q", clip)
	}
	body := <-bodies

	want := map[string]string{
		"input":           "Hi there.",
		"model":           "tts-1",
		"voice":           "nova",
		"response_format": "mp3",
	}
	for k, v := range want {
		if got, _ := body[k].(string); got != v {
			t.Errorf("%s: want %q, got %q", k, v, got)
		}
	}
	if _, ok := body["speed"]; ok {
		t.Error("want speed omitted when SpeedFactor is zero")
	}
}

func TestSynthesize_VoiceOverride(t *testing.T) {
	t.Parallel()

	bodies := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies <- body
		_, _ = w.Write([]byte("x"))
	}))
	t.Cleanup(srv.Close)

	p, _ := New("key", WithBaseURL(srv.URL+"/v1/"), WithResponseFormat("wav"))
	if _, err := p.Synthesize(context.Background(), "Hello.", types.VoiceProfile{ID: "onyx", SpeedFactor: 1.25}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	body := <-bodies
	if body["voice"] != "onyx" {
		t.Errorf("want voice onyx, got %v", body["voice"])
	}
	if body["response_format"] != "wav" {
		t.Errorf("want format wav, got %v", body["response_format"])
	}
	if body["speed"] != 1.25 {
		t.Errorf("want speed 1.25, got %v", body["speed"])
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	t.Parallel()
	p, _ := New("key")
	if _, err := p.Synthesize(context.Background(), "", types.VoiceProfile{}); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestListVoices(t *testing.T) {
	t.Parallel()
	p, _ := New("key")
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != len(builtinVoices) {
		t.Fatalf("want %d voices, got %d", len(builtinVoices), len(voices))
	}
	found := false
	for _, v := range voices {
		if v.Provider != "openai" {
			t.Errorf("want provider openai, got %q", v.Provider)
		}
		if v.ID == "nova" {
			found = true
		}
	}
	if !found {
		t.Error("want nova in the catalogue")
	}
}
