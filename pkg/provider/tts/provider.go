// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (OpenAI, ElevenLabs, a local
// Coqui server) and turns one sentence into one self-contained audio clip
// (MP3 or WAV, depending on the backend). Sentences are synthesised one at a
// time by the pipeline's dispatcher, so providers never see partial text.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/parley/pkg/types"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice and returns the encoded
	// audio clip. A zero-length result with a nil error is treated by callers
	// as a failed synthesis.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error)

	// ListVoices returns all voice profiles available from this provider. The
	// list may change between calls if the underlying service adds or removes
	// voices.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
