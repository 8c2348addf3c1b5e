package playback

import (
	"container/heap"
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Player renders one encoded clip. Play blocks until the clip has finished
// or ctx is cancelled, in which case it must stop output promptly.
type Player interface {
	Play(ctx context.Context, audio []byte) error
}

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithGap sets the base silence gap inserted between consecutive clips.
// Jitter of ±1/6 of the gap is applied automatically. Zero disables the gap.
func WithGap(d time.Duration) Option {
	return func(q *Queue) {
		q.gap = d
	}
}

// WithErrorHandler registers a callback for playback failures. The default
// logs at warn level.
func WithErrorHandler(fn func(index int, err error)) Option {
	return func(q *Queue) {
		q.onError = fn
	}
}

// Queue schedules reply clips for playback in sentence-index order.
//
// All exported methods are safe for concurrent use.
type Queue struct {
	player  Player
	gap     time.Duration
	onError func(index int, err error)

	mu            sync.Mutex
	queue         clipHeap
	next          int                // next index eligible for playback
	discarding    bool               // set by Interrupt until the next BeginTurn
	playing       bool               // a clip is being rendered right now
	cancelPlaying context.CancelFunc // stops the current clip

	notify chan struct{}
	done   chan struct{}
	closed bool
}

// New creates a Queue rendering through player and starts its dispatch
// goroutine. Call [Queue.Close] to stop it.
func New(player Player, opts ...Option) *Queue {
	q := &Queue{
		player: player,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		onError: func(index int, err error) {
			slog.Warn("playback failed", "index", index, "err", err)
		},
	}
	for _, o := range opts {
		o(q)
	}
	heap.Init(&q.queue)
	go q.dispatch()
	return q
}

// BeginTurn resets the expected index to zero for a new reply and re-enables
// a queue that was interrupted.
func (q *Queue) BeginTurn() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.queue = q.queue[:0]
	q.next = 0
	q.discarding = false
}

// Enqueue schedules the clip for sentence index. Clips for an interrupted turn
// are dropped.
func (q *Queue) Enqueue(index int, audio []byte) {
	if audio == nil {
		audio = []byte{}
	}
	q.push(entry{index: index, audio: audio})
}

// Skip marks index as having no audio so later clips are not held back.
func (q *Queue) Skip(index int) {
	q.push(entry{index: index})
}

func (q *Queue) push(e entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.discarding || e.index < q.next {
		return
	}
	heap.Push(&q.queue, e)

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Playing reports whether a clip is being rendered or is waiting in the queue.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing || q.queue.Len() > 0
}

// Interrupt stops the current clip, clears the queue and drops any further
// clips until [Queue.BeginTurn] is called. If nothing is playing, Interrupt
// still discards queued clips.
func (q *Queue) Interrupt() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelPlaying != nil {
		q.cancelPlaying()
		q.cancelPlaying = nil
	}
	q.playing = false
	q.queue = q.queue[:0]
	q.discarding = true
}

// Close stops the dispatch goroutine and the current clip. Close is
// idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	if q.cancelPlaying != nil {
		q.cancelPlaying()
		q.cancelPlaying = nil
	}
	q.queue = q.queue[:0]
	q.mu.Unlock()

	close(q.done)
	return nil
}

// dispatch pulls eligible clips and renders them until Close is called.
func (q *Queue) dispatch() {
	var lastPlayed bool

	gapTimer := time.NewTimer(0)
	if !gapTimer.Stop() {
		<-gapTimer.C
	}
	defer gapTimer.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			e, ctx, ok := q.dequeue()
			if !ok {
				break
			}

			if lastPlayed {
				if d := q.gapWithJitter(); d > 0 {
					gapTimer.Reset(d)
					select {
					case <-q.done:
						if !gapTimer.Stop() {
							<-gapTimer.C
						}
						return
					case <-ctx.Done():
						if !gapTimer.Stop() {
							<-gapTimer.C
						}
						q.finish(ctx)
						continue
					case <-gapTimer.C:
					}
				}
			}

			if err := q.player.Play(ctx, e.audio); err != nil && ctx.Err() == nil {
				q.onError(e.index, err)
			}
			lastPlayed = true
			q.finish(ctx)
		}
	}
}

// dequeue pops the clip for the next expected index, skipping over indices
// marked as skipped. ok is false when the next index has not arrived yet.
func (q *Queue) dequeue() (entry, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.queue.Len() > 0 && q.queue[0].index <= q.next {
		e := heap.Pop(&q.queue).(entry)
		if e.index < q.next {
			continue // duplicate
		}
		q.next++
		if e.audio == nil {
			continue // skipped
		}
		ctx, cancel := context.WithCancel(context.Background())
		q.playing = true
		q.cancelPlaying = cancel
		return e, ctx, true
	}
	return entry{}, nil, false
}

// finish clears the playing state if ctx still belongs to the current clip.
func (q *Queue) finish(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelPlaying != nil && ctx.Err() == nil {
		q.cancelPlaying()
		q.cancelPlaying = nil
		q.playing = false
	}
}

// gapWithJitter returns the configured gap duration with ±1/6 jitter applied.
func (q *Queue) gapWithJitter() time.Duration {
	base := q.gap
	if base <= 0 {
		return 0
	}
	jitterRange := base / 6
	if jitterRange <= 0 {
		return base
	}
	jitter := time.Duration(rand.Int64N(int64(2*jitterRange+1))) - jitterRange
	return base + jitter
}
