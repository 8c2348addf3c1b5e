// Package playback provides an index-ordered playback queue for synthesized
// reply audio. Clips are played strictly in sentence-index order: a clip that
// arrives early waits until every lower index has been played or skipped.
// The queue supports interruption (stop the current clip and discard the rest
// of the turn), which is how barge-in is realised in the local duplex mode.
package playback

// entry is one queued clip. A nil audio slice marks a skipped index.
type entry struct {
	index int
	audio []byte
}

// clipHeap implements [container/heap.Interface] as a min-heap ordered by
// sentence index.
type clipHeap []entry

func (h clipHeap) Len() int           { return len(h) }
func (h clipHeap) Less(i, j int) bool { return h[i].index < h[j].index }
func (h clipHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *clipHeap) Push(x any) {
	*h = append(*h, x.(entry))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *clipHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
