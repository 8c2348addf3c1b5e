// Package mock provides in-memory implementations of [engine.Emitter] and
// [engine.Session] for use in unit tests.
//
// The mocks record every call in order and are safe for concurrent use.
//
// Example:
//
//	sess := mock.NewSession("s1", "You are helpful.")
//	err := eng.HandleUtterance(ctx, sess, utt)
//	for _, ev := range sess.Events.Events() {
//	    fmt.Println(ev.Kind)
//	}
package mock

import (
	"sync"

	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/pipeline"
)

// Compile-time interface assertions.
var (
	_ engine.Emitter = (*Emitter)(nil)
	_ engine.Session = (*Session)(nil)
)

// Event kinds recorded by [Emitter].
const (
	KindStatus        = "status"
	KindTranscription = "transcription"
	KindToken         = "llm_token"
	KindAudio         = "bot_audio"
	KindAudioSkip     = "bot_audio_skip"
	KindTurnComplete  = "turn_complete"
	KindError         = "error"
)

// Event is one recorded emitter call. Only the fields relevant to Kind are
// set.
type Event struct {
	Kind   string
	Status pipeline.Status
	Text   string
	Index  int
	Audio  []byte
	Total  int
}

// Emitter records events in call order.
type Emitter struct {
	mu     sync.Mutex
	events []Event
}

func (e *Emitter) add(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

// Status records a status event.
func (e *Emitter) Status(state pipeline.Status) { e.add(Event{Kind: KindStatus, Status: state}) }

// Transcription records a transcription event.
func (e *Emitter) Transcription(text string) { e.add(Event{Kind: KindTranscription, Text: text}) }

// Token records a token event.
func (e *Emitter) Token(token string) { e.add(Event{Kind: KindToken, Text: token}) }

// Audio records an audio event.
func (e *Emitter) Audio(index int, audio []byte) {
	e.add(Event{Kind: KindAudio, Index: index, Audio: audio})
}

// AudioSkip records a skip event.
func (e *Emitter) AudioSkip(index int) { e.add(Event{Kind: KindAudioSkip, Index: index}) }

// TurnComplete records a turn-complete event.
func (e *Emitter) TurnComplete(total int) { e.add(Event{Kind: KindTurnComplete, Total: total}) }

// Error records an error event.
func (e *Emitter) Error(message string) { e.add(Event{Kind: KindError, Text: message}) }

// Events returns a snapshot of all recorded events.
func (e *Emitter) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

// Kinds returns the kinds of all recorded events in order.
func (e *Emitter) Kinds() []string {
	evs := e.Events()
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

// OfKind returns the recorded events of the given kind.
func (e *Emitter) OfKind(kind string) []Event {
	var out []Event
	for _, ev := range e.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Session is a mock [engine.Session] backed by an [engine.MemoryHistory]
// unless Hist is replaced.
type Session struct {
	mu sync.Mutex

	// SessionID is returned by ID.
	SessionID string

	// Hist is returned by History.
	Hist engine.History

	// Events receives all emitted events.
	Events *Emitter

	// ProcessingCalls records every SetProcessing argument in order.
	ProcessingCalls []bool

	// Turns records every EndTurn call in order.
	Turns []engine.Turn
}

// NewSession returns a Session with a fresh history seeded with systemPrompt.
func NewSession(id, systemPrompt string) *Session {
	return &Session{
		SessionID: id,
		Hist:      engine.NewHistory(systemPrompt),
		Events:    &Emitter{},
	}
}

// ID returns SessionID.
func (s *Session) ID() string { return s.SessionID }

// History returns Hist.
func (s *Session) History() engine.History { return s.Hist }

// Emitter returns Events.
func (s *Session) Emitter() engine.Emitter { return s.Events }

// SetProcessing records the call.
func (s *Session) SetProcessing(processing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProcessingCalls = append(s.ProcessingCalls, processing)
}

// Processing reports the last value passed to SetProcessing.
func (s *Session) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ProcessingCalls) == 0 {
		return false
	}
	return s.ProcessingCalls[len(s.ProcessingCalls)-1]
}

// EndTurn records the call.
func (s *Session) EndTurn(turn engine.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Turns = append(s.Turns, turn)
}

// RecordedTurns returns a snapshot of the EndTurn calls.
func (s *Session) RecordedTurns() []engine.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.Turn, len(s.Turns))
	copy(out, s.Turns)
	return out
}
