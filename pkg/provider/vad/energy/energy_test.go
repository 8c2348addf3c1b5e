package energy_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/vad"
	"github.com/MrWong99/parley/pkg/provider/vad/energy"
)

var cfg = vad.Config{SampleRate: 16000, FrameSizeMs: 30, Aggressiveness: 2}

// frameAt returns a 30ms frame of a square wave at the given amplitude.
func frameAt(amplitude int16) []byte {
	buf := make([]byte, 960)
	for i := range 480 {
		s := amplitude
		if i%2 == 1 {
			s = -amplitude
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestEnergy_Hysteresis(t *testing.T) {
	t.Parallel()

	sess, err := energy.New().NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	loud := frameAt(3000) // rms ≈ 0.092
	mid := frameAt(450)   // rms ≈ 0.014, between thresholds
	quiet := frameAt(50)  // rms ≈ 0.0015

	steps := []struct {
		frame []byte
		want  vad.EventType
	}{
		{quiet, vad.Silence},
		{mid, vad.Silence},
		{loud, vad.SpeechStart},
		{mid, vad.SpeechContinue},
		{quiet, vad.SpeechEnd},
		{quiet, vad.Silence},
	}
	for i, st := range steps {
		ev, err := sess.ProcessFrame(st.frame)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if ev.Type != st.want {
			t.Errorf("step %d: want %v, got %v (p=%.3f)", i, st.want, ev.Type, ev.Probability)
		}
	}
}

func TestEnergy_WrongFrameSize(t *testing.T) {
	t.Parallel()

	sess, err := energy.New().NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if _, err := sess.ProcessFrame(make([]byte, 100)); err == nil {
		t.Error("want error for short frame, got nil")
	}
}

func TestEnergy_InvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []vad.Config{
		{SampleRate: 44100, FrameSizeMs: 30},
		{SampleRate: 16000, FrameSizeMs: 25},
		{SampleRate: 16000, FrameSizeMs: 30, Aggressiveness: 4},
		{SampleRate: 16000, FrameSizeMs: 30, SpeechThreshold: 0.3, SilenceThreshold: 0.6},
	}
	for _, c := range tests {
		if _, err := energy.New().NewSession(c); err == nil {
			t.Errorf("config %+v: want error, got nil", c)
		}
	}
}

func TestEnergy_ResetClearsSpeech(t *testing.T) {
	t.Parallel()

	sess, _ := energy.New().NewSession(cfg)
	if ev, _ := sess.ProcessFrame(frameAt(3000)); ev.Type != vad.SpeechStart {
		t.Fatalf("want SpeechStart, got %v", ev.Type)
	}
	sess.Reset()
	if ev, _ := sess.ProcessFrame(frameAt(3000)); ev.Type != vad.SpeechStart {
		t.Errorf("want SpeechStart after Reset, got %v", ev.Type)
	}
}
