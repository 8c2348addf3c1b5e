// Package transport exposes sessions to browsers over WebSocket.
//
// Protocol, one connection per session:
//
//   - client → server binary: raw 16-bit little-endian mono PCM at the
//     configured sample rate, in chunks of any size.
//   - client → server text: JSON control messages.
//     {"type":"playback","state":"started"|"stopped"} reports local
//     playback so the server can suppress echo and detect barge-in;
//     {"type":"cancel"} aborts the turn in flight.
//   - server → client text: JSON [Event] messages. A bot_audio event is
//     followed by one binary message with the synthesized audio.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/session"
)

// Control message types sent by the browser.
const (
	ControlPlayback = "playback"
	ControlCancel   = "cancel"
)

// Playback states carried by a playback control message.
const (
	PlaybackStarted = "started"
	PlaybackStopped = "stopped"
)

const (
	defaultReadLimit    = 1 << 20
	defaultWriteTimeout = 10 * time.Second
	disconnectTimeout   = 15 * time.Second
)

// Control is a client-to-server JSON message.
type Control struct {
	Type  string `json:"type"`
	State string `json:"state,omitempty"`
}

// Handler upgrades HTTP requests to session connections.
type Handler struct {
	reg            *session.Registry
	originPatterns []string
	readLimit      int64
	writeTimeout   time.Duration
}

// Option configures a [Handler].
type Option func(*Handler)

// WithOriginPatterns allows cross-origin connections from hosts matching
// the given patterns. See [websocket.AcceptOptions].
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.originPatterns = patterns }
}

// WithReadLimit sets the largest accepted message in bytes.
func WithReadLimit(n int64) Option {
	return func(h *Handler) { h.readLimit = n }
}

// WithWriteTimeout bounds every write to the client.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) { h.writeTimeout = d }
}

// NewHandler returns a Handler that registers each connection in reg.
func NewHandler(reg *session.Registry, opts ...Option) *Handler {
	h := &Handler{
		reg:          reg,
		readLimit:    defaultReadLimit,
		writeTimeout: defaultWriteTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		slog.Debug("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(h.readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := newClient(ctx, conn, h.writeTimeout)
	sess, err := h.reg.Connect(ctx, client)
	if err != nil {
		slog.Error("failed to create session", "remote", r.RemoteAddr, "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	id := sess.ID()
	log := observe.Logger(observe.WithSessionID(ctx, id))

	defer func() {
		dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
		defer dcancel()
		if err := h.reg.Disconnect(dctx, id); err != nil && !errors.Is(err, session.ErrNotFound) {
			log.Warn("session disconnect failed", "err", err)
		}
	}()

	// The registry may end the session on its own, e.g. when it is idle.
	go func() {
		select {
		case <-sess.Done():
			_ = conn.Close(websocket.StatusGoingAway, "session closed")
		case <-ctx.Done():
		}
	}()

	client.hello(id)
	client.Status(pipeline.StatusReady)

	err = h.readLoop(ctx, conn, sess)
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
		log.Debug("websocket closed by client")
	case errors.Is(err, context.Canceled):
	default:
		log.Debug("websocket read ended", "err", err)
	}
	_ = conn.CloseNow()
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			sess.Ingest(data)
		case websocket.MessageText:
			h.control(ctx, sess, data)
		}
	}
}

func (h *Handler) control(ctx context.Context, sess *session.Session, data []byte) {
	var msg Control
	if err := json.Unmarshal(data, &msg); err != nil {
		observe.Logger(ctx).Debug("ignoring malformed control message", "err", err)
		return
	}
	switch msg.Type {
	case ControlPlayback:
		sess.SetPlayback(msg.State == PlaybackStarted)
	case ControlCancel:
		sess.CancelTurn()
	default:
		observe.Logger(ctx).Debug("ignoring unknown control message", "type", msg.Type)
	}
}
