// Package pipeline holds the streaming building blocks between raw audio and
// synthesized speech: the speech gate (VAD plus energy floor), the utterance
// segmenter, the sentence splitter, the synthesis dispatcher and the duplex
// guard used by the local full-duplex loop.
//
// None of the types here are safe for concurrent use unless stated
// otherwise. A session drives its gate and segmenter from the connection's
// read goroutine and its splitter from the turn goroutine.
package pipeline

// Status is a client-visible pipeline state.
type Status string

const (
	// StatusListening is emitted when an utterance starts recording.
	StatusListening Status = "listening"

	// StatusProcessing is emitted when an utterance ends.
	StatusProcessing Status = "processing"

	// StatusReady is emitted when the session can accept speech again.
	StatusReady Status = "ready"
)
