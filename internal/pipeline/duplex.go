package pipeline

import "time"

// Action tells the local loop what to do with the current frame.
type Action int

const (
	// Pass forwards the frame to the segmenter.
	Pass Action = iota

	// Ignore drops the frame.
	Ignore

	// FlushInput drops the frame and any queued input; playback just ended.
	FlushInput

	// Interrupt stops playback, flushes the output and input queues and
	// resets the segmenter. The frame itself is user speech and starts the
	// next recording.
	Interrupt
)

// String returns the lower-case action name.
func (a Action) String() string {
	switch a {
	case Pass:
		return "pass"
	case Ignore:
		return "ignore"
	case FlushInput:
		return "flush_input"
	case Interrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// GuardConfig holds the echo and barge-in tunables.
type GuardConfig struct {
	// InterruptionCooldown is how long after playback starts speech is
	// ignored instead of interrupting.
	InterruptionCooldown time.Duration

	// PostSpeechSilence is how long after playback stops input is ignored
	// to swallow the echo tail.
	PostSpeechSilence time.Duration
}

// DuplexGuard keeps the assistant from hearing itself while letting the user
// barge in once playback has run for the cooldown.
type DuplexGuard struct {
	cfg GuardConfig

	wasPlaying    bool
	playbackStart time.Time
	lastStop      time.Time
}

// NewDuplexGuard returns a guard with no playback history.
func NewDuplexGuard(cfg GuardConfig) *DuplexGuard {
	return &DuplexGuard{cfg: cfg}
}

// Observe classifies one frame captured at now. playing is the playback
// state at capture time and isSpeech the energy-gated detector result.
func (g *DuplexGuard) Observe(now time.Time, playing, isSpeech bool) Action {
	stopped := g.wasPlaying && !playing
	g.wasPlaying = playing
	if stopped {
		g.lastStop = now
		g.playbackStart = time.Time{}
		return FlushInput
	}

	if playing {
		if g.playbackStart.IsZero() {
			g.playbackStart = now
		}
		if now.Sub(g.playbackStart) < g.cfg.InterruptionCooldown {
			return Ignore
		}
		if isSpeech {
			// No echo tail to swallow: the user is already talking.
			g.lastStop = time.Time{}
			g.playbackStart = time.Time{}
			g.wasPlaying = false
			return Interrupt
		}
		return Pass
	}

	g.playbackStart = time.Time{}
	if !g.lastStop.IsZero() && now.Sub(g.lastStop) < g.cfg.PostSpeechSilence {
		return Ignore
	}
	return Pass
}
