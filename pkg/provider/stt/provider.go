// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a batch transcription service (OpenAI Whisper, a local
// whisper.cpp server, Deepgram) and exposes one call: a complete utterance of
// normalised float32 samples in, a Transcript out. Utterance segmentation
// happens upstream, so providers never see partial speech.
//
// Implementations must be safe for concurrent use: one Provider instance is
// shared by every session's turns.
package stt

import (
	"context"

	"github.com/MrWong99/parley/pkg/types"
)

// Request describes one transcription call.
type Request struct {
	// Samples is mono audio normalised to [-1.0, 1.0].
	Samples []float32

	// SampleRate is the rate of Samples in Hz.
	SampleRate int

	// Language is an optional BCP-47 hint. Empty lets the provider detect or
	// use its configured default.
	Language string
}

// Provider is the interface implemented by every STT backend.
type Provider interface {
	// Transcribe converts the utterance in req to text. An utterance with no
	// recognisable speech yields an empty Text and a nil error.
	Transcribe(ctx context.Context, req Request) (types.Transcript, error)
}
