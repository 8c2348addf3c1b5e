package resilience

import (
	"context"
	"errors"
	"testing"

	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	"github.com/MrWong99/parley/pkg/types"
)

func TestTTSFallback_Synthesize_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{Audio: []byte("audio1")}
	secondary := &ttsmock.Provider{Audio: []byte("fallback-audio")}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	audio, err := fb.Synthesize(context.Background(), "hello", types.VoiceProfile{ID: "v1", Name: "TestVoice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(audio) != "audio1" {
		t.Fatalf("audio = %q, want audio1", audio)
	}
	if len(primary.Texts()) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.Texts()))
	}
	if len(secondary.Texts()) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.Texts()))
	}
}

func TestTTSFallback_Synthesize_Failover(t *testing.T) {
	tests := []struct {
		name    string
		primary *ttsmock.Provider
	}{
		{name: "error", primary: &ttsmock.Provider{Err: errors.New("primary down")}},
		{name: "empty audio", primary: &ttsmock.Provider{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secondary := &ttsmock.Provider{Audio: []byte("fallback-audio")}
			fb := NewTTSFallback(tt.primary, "primary", FallbackConfig{
				CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
			})
			fb.AddFallback("secondary", secondary)

			audio, err := fb.Synthesize(context.Background(), "hello", types.VoiceProfile{})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(audio) != "fallback-audio" {
				t.Fatalf("audio = %q, want fallback-audio", audio)
			}
		})
	}
}

func TestTTSFallback_Synthesize_AllFail(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("primary down")}
	secondary := &ttsmock.Provider{Err: errors.New("secondary down")}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Synthesize(context.Background(), "hello", types.VoiceProfile{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_ListVoices(t *testing.T) {
	primary := &ttsmock.Provider{ListVoicesErr: errors.New("unavailable")}
	secondary := &ttsmock.Provider{ListVoicesResult: []types.VoiceProfile{{ID: "nova", Name: "Nova"}}}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "nova" {
		t.Fatalf("voices = %+v, want nova", voices)
	}
}
