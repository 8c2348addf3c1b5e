package pipeline

import (
	"log/slog"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// Gate classifies frames as speech or non-speech. It combines a VAD session
// with an optional RMS energy floor: frames quieter than the floor are never
// speech, whatever the detector says.
type Gate struct {
	vad       vad.SessionHandle
	threshold float64
	onError   func(error)
}

// NewGate returns a Gate over v. energyThreshold is a normalized RMS level;
// zero disables the floor. onError, if non-nil, observes detector errors.
func NewGate(v vad.SessionHandle, energyThreshold float64, onError func(error)) *Gate {
	return &Gate{vad: v, threshold: energyThreshold, onError: onError}
}

// IsSpeech reports whether frame contains speech. A detector error counts as
// non-speech.
func (g *Gate) IsSpeech(frame []byte) bool {
	ev, err := g.vad.ProcessFrame(frame)
	if err != nil {
		slog.Debug("vad error, treating frame as silence", "err", err)
		if g.onError != nil {
			g.onError(err)
		}
		return false
	}
	if g.threshold > 0 && audio.RMS(frame) < g.threshold {
		return false
	}
	return ev.IsSpeech()
}

// Reset clears the detector state.
func (g *Gate) Reset() { g.vad.Reset() }
