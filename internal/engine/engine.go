// Package engine runs one conversational turn: transcribe an utterance, stream
// the model's reply over the session history, split it into sentences and
// synthesize each sentence to audio in order.
//
// The engine owns no connection state. Everything it needs from the caller is
// expressed through the narrow [Session], [History] and [Emitter] interfaces,
// implemented by the session layer for browser clients and by the local
// full-duplex loop for the terminal.
//
// This package lives under internal/ because it encapsulates application-private
// processing logic and is not intended to be imported by external code.
package engine

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/pkg/types"
)

// Emitter receives the client-facing events of a turn. Implementations must
// be safe for concurrent use: audio events arrive from the synthesis worker
// while token events arrive from the turn goroutine.
type Emitter interface {
	// Status reports a pipeline status change.
	Status(state pipeline.Status)

	// Transcription delivers the accepted user transcript.
	Transcription(text string)

	// Token forwards one streamed completion token verbatim.
	Token(token string)

	// Audio delivers the synthesized audio for sentence index.
	Audio(index int, audio []byte)

	// AudioSkip reports that sentence index produced no audio.
	AudioSkip(index int)

	// TurnComplete reports how many sentences the turn produced.
	TurnComplete(total int)

	// Error reports a turn failure in human-readable form.
	Error(message string)
}

// History is the conversation history of one session.
type History interface {
	// Append adds msg to the end of the history. Implementations that bound
	// their size may summarise older messages, which is why a context is
	// required.
	Append(ctx context.Context, msg types.Message) error

	// Messages returns a snapshot of the history, system instruction first.
	Messages() []types.Message
}

// Turn summarises a finished turn for the session's bookkeeping.
type Turn struct {
	// User is the accepted transcript.
	User string

	// Assistant is the full reply. Empty when the turn failed.
	Assistant string

	// Usage is the token usage reported by the completion stream.
	Usage types.Usage

	// Err is the error that ended the turn, if any.
	Err error
}

// Session is the engine's view of a live conversation.
type Session interface {
	// ID returns the session identifier.
	ID() string

	// History returns the session's conversation history.
	History() History

	// Emitter returns the sink for client events.
	Emitter() Emitter

	// SetProcessing marks whether a turn is in flight. While it is, incoming
	// audio is discarded.
	SetProcessing(processing bool)

	// EndTurn is called once per turn whose user message entered the history.
	EndTurn(turn Turn)
}

// MemoryHistory is an unbounded, mutex-guarded [History] seeded with one
// system instruction.
type MemoryHistory struct {
	mu   sync.Mutex
	msgs []types.Message
}

var _ History = (*MemoryHistory)(nil)

// NewHistory returns a MemoryHistory whose first message is the system
// instruction. An empty systemPrompt yields an empty history.
func NewHistory(systemPrompt string) *MemoryHistory {
	h := &MemoryHistory{}
	if systemPrompt != "" {
		h.msgs = append(h.msgs, types.Message{Role: types.RoleSystem, Content: systemPrompt})
	}
	return h
}

// Append adds msg to the history. It never fails.
func (h *MemoryHistory) Append(_ context.Context, msg types.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
	return nil
}

// Messages returns a copy of the history.
func (h *MemoryHistory) Messages() []types.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Len returns the number of messages, system instruction included.
func (h *MemoryHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}
