// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session maintains its own internal state
// (smoothing history, hangover counters) so that multiple concurrent audio
// streams can be processed independently.
//
// VAD is synchronous: ProcessFrame returns immediately with a detection
// result, making it suitable for the ingestion loop that gates the utterance
// segmenter.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import "fmt"

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame. Supported: 8000, 16000, 32000, 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds (10, 20
	// or 30). ProcessFrame returns an error if a frame does not match.
	FrameSizeMs int

	// Aggressiveness selects how eagerly non-speech is filtered, from 0 (most
	// permissive) to 3 (most aggressive). Engines map it to their own
	// thresholds when SpeechThreshold is zero.
	Aggressiveness int

	// SpeechThreshold is the probability above which a frame is classified as
	// speech. Range: [0.0, 1.0]. Zero selects the engine default for the
	// configured Aggressiveness.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which an active speech run is
	// considered ended. Must be ≤ SpeechThreshold. Zero selects the engine
	// default.
	SilenceThreshold float64
}

// FrameBytes returns the byte length of one 16-bit mono frame for cfg.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// Validate reports whether the sample rate, frame size and aggressiveness are
// in the supported ranges.
func (c Config) Validate() error {
	switch c.SampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return fmt.Errorf("vad: unsupported sample rate %d", c.SampleRate)
	}
	switch c.FrameSizeMs {
	case 10, 20, 30:
	default:
		return fmt.Errorf("vad: unsupported frame size %dms", c.FrameSizeMs)
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > 3 {
		return fmt.Errorf("vad: aggressiveness %d out of range [0,3]", c.Aggressiveness)
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 || c.SilenceThreshold < 0 || c.SilenceThreshold > 1 {
		return fmt.Errorf("vad: thresholds must be within [0,1]")
	}
	if c.SilenceThreshold > 0 && c.SpeechThreshold > 0 && c.SilenceThreshold > c.SpeechThreshold {
		return fmt.Errorf("vad: silence threshold %.3f exceeds speech threshold %.3f", c.SilenceThreshold, c.SpeechThreshold)
	}
	return nil
}

// SessionHandle represents an active VAD session for a single audio stream.
// Each session maintains its own detection state; Reset clears this state
// without closing the session.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns the detection result.
	// The frame must be raw little-endian PCM at the SampleRate and FrameSizeMs
	// configured when the session was created. Returns an error if the frame size
	// is wrong or if the engine encounters an internal failure.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears all accumulated detection state without closing the session.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
