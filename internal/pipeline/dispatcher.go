package pipeline

import (
	"context"
	"sync"
)

// SynthesizeFunc renders one sentence to audio.
type SynthesizeFunc func(ctx context.Context, text string) ([]byte, error)

// Sink receives the outcomes of a [Dispatcher], in index order, from the
// dispatcher's worker goroutine (Chunk, Skip) and from Finish (TurnComplete).
type Sink interface {
	// Chunk delivers the synthesized audio for sentence index.
	Chunk(index int, audio []byte)

	// Skip reports that sentence index produced no audio. err is nil when
	// synthesis succeeded with an empty result.
	Skip(index int, err error)

	// TurnComplete reports the number of sentences submitted in the turn.
	TurnComplete(total int)
}

// Dispatcher synthesizes the sentences of one turn on a single worker
// goroutine, in submission order. Submit never blocks.
type Dispatcher struct {
	ctx   context.Context
	synth SynthesizeFunc
	sink  Sink

	mu        sync.Mutex
	queue     []Sentence
	submitted int
	finished  bool
	wake      chan struct{}
	done      chan struct{}
}

// NewDispatcher starts a Dispatcher whose worker stops when ctx is done.
func NewDispatcher(ctx context.Context, synth SynthesizeFunc, sink Sink) *Dispatcher {
	d := &Dispatcher{
		ctx:   ctx,
		synth: synth,
		sink:  sink,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

// Submit enqueues s. Submitting after Finish is a no-op.
func (d *Dispatcher) Submit(s Sentence) {
	d.mu.Lock()
	if d.finished {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, s)
	d.submitted++
	d.mu.Unlock()
	d.signal()
}

// Finish marks the end of the turn and blocks until every submitted sentence
// has an outcome. It then reports TurnComplete and returns the total. If the
// dispatcher's context ends first, Finish returns the context error and
// nothing further is reported.
func (d *Dispatcher) Finish() (int, error) {
	d.mu.Lock()
	d.finished = true
	total := d.submitted
	d.mu.Unlock()
	d.signal()

	<-d.done
	if err := d.ctx.Err(); err != nil {
		return 0, err
	}
	d.sink.TurnComplete(total)
	return total, nil
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		s, ok, finished := d.next()
		if !ok {
			if finished {
				return
			}
			select {
			case <-d.wake:
				continue
			case <-d.ctx.Done():
				return
			}
		}
		if d.ctx.Err() != nil {
			return
		}

		audio, err := d.synth(d.ctx, s.Text)
		if d.ctx.Err() != nil {
			return
		}
		if err != nil || len(audio) == 0 {
			d.sink.Skip(s.Index, err)
			continue
		}
		d.sink.Chunk(s.Index, audio)
	}
}

// next pops the head of the queue.
func (d *Dispatcher) next() (s Sentence, ok, finished bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return Sentence{}, false, d.finished
	}
	s = d.queue[0]
	d.queue = d.queue[1:]
	return s, true, false
}
