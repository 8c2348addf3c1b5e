package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/session"
)

// Event types sent to the browser as JSON text messages.
const (
	EventSession       = "session"
	EventStatus        = "status"
	EventTranscription = "transcription"
	EventToken         = "llm_token"
	EventAudio         = "bot_audio"
	EventAudioSkip     = "bot_audio_skip"
	EventTurnComplete  = "turn_complete"
	EventError         = "error"
	EventInterrupt     = "interrupt"
)

// Event is one server-to-client message. A bot_audio event is immediately
// followed by a binary message carrying the audio of that index.
type Event struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	State   pipeline.Status `json:"state,omitempty"`
	Text    string          `json:"text,omitempty"`
	Token   string          `json:"token,omitempty"`
	Message string          `json:"message,omitempty"`
	Index   *int            `json:"index,omitempty"`
	Total   *int            `json:"total,omitempty"`
}

// Client adapts a websocket connection to [session.Client]. Writes are
// serialised so that a bot_audio header and its binary payload are never
// interleaved with other events. After the first failed write the client
// drops everything.
type Client struct {
	conn         *websocket.Conn
	ctx          context.Context
	writeTimeout time.Duration

	mu     sync.Mutex
	broken atomic.Bool
}

var _ session.Client = (*Client)(nil)

func newClient(ctx context.Context, conn *websocket.Conn, writeTimeout time.Duration) *Client {
	return &Client{conn: conn, ctx: ctx, writeTimeout: writeTimeout}
}

// send writes ev and, when payload is non-nil, a binary message right after.
func (c *Client) send(ev Event, payload []byte) {
	if c.broken.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
	defer cancel()

	err := wsjson.Write(ctx, c.conn, ev)
	if err == nil && payload != nil {
		err = c.conn.Write(ctx, websocket.MessageBinary, payload)
	}
	if err != nil {
		c.broken.Store(true)
		observe.Logger(c.ctx).Debug("websocket write failed, dropping further events", "type", ev.Type, "err", err)
	}
}

func (c *Client) hello(id string) { c.send(Event{Type: EventSession, ID: id}, nil) }

// Status implements [engine.Emitter].
func (c *Client) Status(state pipeline.Status) {
	c.send(Event{Type: EventStatus, State: state}, nil)
}

// Transcription implements [engine.Emitter].
func (c *Client) Transcription(text string) {
	c.send(Event{Type: EventTranscription, Text: text}, nil)
}

// Token implements [engine.Emitter].
func (c *Client) Token(token string) {
	c.send(Event{Type: EventToken, Token: token}, nil)
}

// Audio implements [engine.Emitter].
func (c *Client) Audio(index int, audio []byte) {
	if audio == nil {
		audio = []byte{}
	}
	c.send(Event{Type: EventAudio, Index: &index}, audio)
}

// AudioSkip implements [engine.Emitter].
func (c *Client) AudioSkip(index int) {
	c.send(Event{Type: EventAudioSkip, Index: &index}, nil)
}

// TurnComplete implements [engine.Emitter].
func (c *Client) TurnComplete(total int) {
	c.send(Event{Type: EventTurnComplete, Total: &total}, nil)
}

// Error implements [engine.Emitter].
func (c *Client) Error(message string) {
	c.send(Event{Type: EventError, Message: message}, nil)
}

// Interrupt tells the browser to stop playback and drop queued audio.
func (c *Client) Interrupt() { c.send(Event{Type: EventInterrupt}, nil) }
