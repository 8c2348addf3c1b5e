// Package local runs a single conversation against the machine's own
// microphone and speakers.
//
// Microphone PCM is read from a [Source] and fed into a session like any
// browser connection. Replies play through a [playback.Queue] in sentence
// order. Because the queue knows whether it is playing, the session's duplex
// guard suppresses the assistant's own voice and lets the user interrupt it
// once the cooldown has passed.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

// Terminal is the local [session.Client]. It prints the conversation to a
// writer and plays reply audio through a queue.
type Terminal struct {
	out   io.Writer
	queue *playback.Queue

	mu       sync.Mutex
	speaking bool // a bot line is being printed
}

var (
	_ session.Client           = (*Terminal)(nil)
	_ session.PlaybackReporter = (*Terminal)(nil)
)

// NewTerminal returns a Terminal printing to out and playing through q.
func NewTerminal(out io.Writer, q *playback.Queue) *Terminal {
	return &Terminal{out: out, queue: q}
}

func (t *Terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endLine()
	fmt.Fprintf(t.out, format, args...)
}

// endLine terminates a bot line in progress. Must hold mu.
func (t *Terminal) endLine() {
	if t.speaking {
		fmt.Fprintln(t.out)
		t.speaking = false
	}
}

// Status prints listening and processing transitions.
func (t *Terminal) Status(state pipeline.Status) {
	switch state {
	case pipeline.StatusListening:
		t.printf("[listening]\n")
	case pipeline.StatusProcessing:
		t.printf("[processing]\n")
	}
}

// Transcription prints the user's line and prepares playback for the reply.
func (t *Terminal) Transcription(text string) {
	t.queue.BeginTurn()
	t.printf("You: %s\n", text)
}

// Token streams the reply text.
func (t *Terminal) Token(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.speaking {
		fmt.Fprint(t.out, "Bot: ")
		t.speaking = true
	}
	fmt.Fprint(t.out, token)
}

// Audio queues a synthesized sentence.
func (t *Terminal) Audio(index int, audio []byte) { t.queue.Enqueue(index, audio) }

// AudioSkip releases the sentences after index.
func (t *Terminal) AudioSkip(index int) { t.queue.Skip(index) }

// TurnComplete ends the bot line.
func (t *Terminal) TurnComplete(int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endLine()
}

// Error prints a turn failure.
func (t *Terminal) Error(message string) { t.printf("[error] %s\n", message) }

// Interrupt stops playback and discards the rest of the reply.
func (t *Terminal) Interrupt() {
	t.queue.Interrupt()
	t.printf("[interrupted]\n")
}

// Playing reports whether reply audio is playing or queued.
func (t *Terminal) Playing() bool { return t.queue.Playing() }

// Run connects a session for term and feeds it from src until src ends or
// ctx is cancelled. The session is disconnected, and therefore archived,
// before Run returns.
func Run(ctx context.Context, reg *session.Registry, src io.Reader, term *Terminal) (err error) {
	sess, err := reg.Connect(ctx, term)
	if err != nil {
		return fmt.Errorf("local: %w", err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		err = errors.Join(err, reg.Disconnect(dctx, sess.ID()))
	}()

	term.printf("Parley is listening. Press Ctrl+C to stop.\n")

	buf := make([]byte, reg.Config().FrameBytes()*4)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			sess.Ingest(buf[:n])
		}
		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF), ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("local: read audio: %w", rerr)
		}
	}
}
