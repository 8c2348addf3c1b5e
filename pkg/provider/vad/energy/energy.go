// Package energy provides a pure-Go [vad.Engine] that classifies frames by
// their RMS energy with hysteresis between a speech and a silence threshold.
//
// It needs no model files or native libraries, which makes it the default
// detector. The Aggressiveness level picks the reference energy: higher
// levels need louder input before a frame counts as speech.
package energy

import (
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// referenceRMS maps aggressiveness 0–3 to the normalised RMS that yields a
// speech probability of 0.5.
var referenceRMS = [4]float64{0.008, 0.012, 0.018, 0.026}

const (
	defaultSpeechThreshold  = 0.5
	defaultSilenceThreshold = 0.3
)

// Engine is the energy-based VAD factory. The zero value is ready to use.
type Engine struct{}

var _ vad.Engine = (*Engine)(nil)

// New returns an energy Engine.
func New() *Engine { return &Engine{} }

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy vad: %w", err)
	}
	speech := cfg.SpeechThreshold
	if speech == 0 {
		speech = defaultSpeechThreshold
	}
	silence := cfg.SilenceThreshold
	if silence == 0 {
		silence = min(defaultSilenceThreshold, speech)
	}
	return &session{
		frameBytes: cfg.FrameBytes(),
		reference:  referenceRMS[cfg.Aggressiveness],
		speech:     speech,
		silence:    silence,
	}, nil
}

// session is a per-stream detector. Safe for concurrent use.
type session struct {
	frameBytes int
	reference  float64
	speech     float64
	silence    float64

	mu       sync.Mutex
	inSpeech bool
	closed   bool
}

// ProcessFrame implements [vad.SessionHandle].
func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	if len(frame) != s.frameBytes {
		return vad.Event{}, fmt.Errorf("energy vad: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}
	p := min(audio.RMS(frame)/(2*s.reference), 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Event{}, fmt.Errorf("energy vad: session closed")
	}

	switch {
	case !s.inSpeech && p >= s.speech:
		s.inSpeech = true
		return vad.Event{Type: vad.SpeechStart, Probability: p}, nil
	case s.inSpeech && p < s.silence:
		s.inSpeech = false
		return vad.Event{Type: vad.SpeechEnd, Probability: p}, nil
	case s.inSpeech:
		return vad.Event{Type: vad.SpeechContinue, Probability: p}, nil
	default:
		return vad.Event{Type: vad.Silence, Probability: p}, nil
	}
}

// Reset implements [vad.SessionHandle].
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
}

// Close implements [vad.SessionHandle].
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
