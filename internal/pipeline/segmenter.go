package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// SegmenterState is the recording state of a [Segmenter].
type SegmenterState int

const (
	// Idle means no utterance is being recorded.
	Idle SegmenterState = iota

	// Recording means frames are being collected into an utterance.
	Recording
)

// String returns the lower-case state name.
func (s SegmenterState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	default:
		return "unknown"
	}
}

// Utterance is the ordered run of frames between speech start and the end of
// the silence timeout, trailing silence frames included.
type Utterance struct {
	Frames     [][]byte
	SampleRate int
}

// PCM returns the frames concatenated.
func (u Utterance) PCM() []byte {
	n := 0
	for _, f := range u.Frames {
		n += len(f)
	}
	out := make([]byte, 0, n)
	for _, f := range u.Frames {
		out = append(out, f...)
	}
	return out
}

// Samples returns the utterance as normalized float32 samples.
func (u Utterance) Samples() []float32 { return audio.FramesToFloat32(u.Frames) }

// Duration returns the audio length of the utterance.
func (u Utterance) Duration() time.Duration {
	return audio.Duration(u.PCM(), audio.Format{SampleRate: u.SampleRate, Channels: 1})
}

// SegmenterConfig holds the segmentation tunables.
type SegmenterConfig struct {
	// SampleRate is the PCM rate of incoming frames in Hz.
	SampleRate int

	// Frame is the duration of one frame.
	Frame time.Duration

	// StartFrames is the number of consecutive speech frames that must be
	// exceeded before recording starts. 0 starts on the first speech frame.
	StartFrames int

	// EndSilence is how much trailing silence ends an utterance.
	EndSilence time.Duration

	// MinUtterance is the least speech an utterance must contain to be
	// emitted. Trailing silence does not count towards it.
	MinUtterance time.Duration
}

// Validate reports whether cfg describes a usable segmenter.
func (c SegmenterConfig) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate))
	}
	if c.Frame <= 0 {
		errs = append(errs, fmt.Errorf("frame duration must be positive, got %s", c.Frame))
	}
	if c.StartFrames < 0 {
		errs = append(errs, fmt.Errorf("start frames must not be negative, got %d", c.StartFrames))
	}
	if c.EndSilence < c.Frame {
		errs = append(errs, fmt.Errorf("end silence %s is shorter than one frame", c.EndSilence))
	}
	if c.MinUtterance < 0 {
		errs = append(errs, fmt.Errorf("min utterance must not be negative, got %s", c.MinUtterance))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pipeline: segmenter config: %w", err)
	}
	return nil
}

// SilenceFrames is the silence counter value that must be exceeded to end an
// utterance.
func (c SegmenterConfig) SilenceFrames() int { return int(c.EndSilence / c.Frame) }

// MinFrames is the fewest speech frames an emitted utterance may have.
func (c SegmenterConfig) MinFrames() int {
	return int((c.MinUtterance + c.Frame - 1) / c.Frame)
}

// Segmenter turns a stream of classified frames into utterances.
//
// Status changes are reported through the callback given to [NewSegmenter]:
// [StatusListening] when recording starts, [StatusProcessing] when it ends,
// followed by [StatusReady] if the utterance was too short to emit.
type Segmenter struct {
	cfg           SegmenterConfig
	silenceFrames int
	minFrames     int
	onStatus      func(Status)

	state   SegmenterState
	frames  [][]byte
	speech  int
	voiced  int
	silence int
}

// NewSegmenter returns a Segmenter in the Idle state. onStatus may be nil.
func NewSegmenter(cfg SegmenterConfig, onStatus func(Status)) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if onStatus == nil {
		onStatus = func(Status) {}
	}
	return &Segmenter{
		cfg:           cfg,
		silenceFrames: cfg.SilenceFrames(),
		minFrames:     cfg.MinFrames(),
		onStatus:      onStatus,
	}, nil
}

// State returns the current recording state.
func (s *Segmenter) State() SegmenterState { return s.state }

// Buffered returns the number of frames in the utterance being recorded.
func (s *Segmenter) Buffered() int { return len(s.frames) }

// Push feeds one classified frame. When the frame ends an utterance holding
// at least [SegmenterConfig.MinFrames] speech frames, the utterance is
// returned with ok set. The segmenter keeps a
// reference to frame until the utterance is returned.
func (s *Segmenter) Push(frame []byte, isSpeech bool) (u Utterance, ok bool) {
	switch s.state {
	case Idle:
		if !isSpeech {
			s.speech = 0
			return Utterance{}, false
		}
		s.speech++
		if s.speech <= s.cfg.StartFrames {
			return Utterance{}, false
		}
		s.state = Recording
		s.silence = 0
		s.voiced = 1
		s.onStatus(StatusListening)
		s.frames = append(s.frames, frame)
		return Utterance{}, false

	case Recording:
		s.frames = append(s.frames, frame)
		if isSpeech {
			s.voiced++
			s.silence = 0
			return Utterance{}, false
		}
		s.silence++
		if s.silence <= s.silenceFrames {
			return Utterance{}, false
		}

		frames, voiced := s.frames, s.voiced
		s.clear()
		s.onStatus(StatusProcessing)
		if voiced < s.minFrames {
			s.onStatus(StatusReady)
			return Utterance{}, false
		}
		return Utterance{Frames: frames, SampleRate: s.cfg.SampleRate}, true
	}
	return Utterance{}, false
}

// Reset drops any partial utterance and returns to Idle.
func (s *Segmenter) Reset() { s.clear() }

func (s *Segmenter) clear() {
	s.state = Idle
	s.frames = nil
	s.speech = 0
	s.voiced = 0
	s.silence = 0
}
