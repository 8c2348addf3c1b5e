package audio

// FrameBuffer accumulates PCM chunks of arbitrary size and slices them into
// fixed-length frames. Bytes that do not yet fill a frame stay buffered until
// a later Write completes them.
//
// A FrameBuffer is owned by a single ingestion goroutine and is not safe for
// concurrent use.
type FrameBuffer struct {
	size int
	buf  []byte
}

// NewFrameBuffer returns a FrameBuffer that emits frames of exactly size bytes.
// size must be positive and even.
func NewFrameBuffer(size int) *FrameBuffer {
	return &FrameBuffer{size: size, buf: make([]byte, 0, size*4)}
}

// Size returns the configured frame length in bytes.
func (b *FrameBuffer) Size() int { return b.size }

// Buffered returns the number of bytes waiting for a frame to complete.
func (b *FrameBuffer) Buffered() int { return len(b.buf) }

// Write appends chunk and returns every complete frame now available, in
// arrival order. Each returned frame is a fresh slice of exactly Size bytes
// that the caller may retain.
func (b *FrameBuffer) Write(chunk []byte) [][]byte {
	b.buf = append(b.buf, chunk...)
	n := len(b.buf) / b.size
	if n == 0 {
		return nil
	}
	frames := make([][]byte, n)
	for i := range n {
		f := make([]byte, b.size)
		copy(f, b.buf[i*b.size:(i+1)*b.size])
		frames[i] = f
	}
	rest := copy(b.buf, b.buf[n*b.size:])
	b.buf = b.buf[:rest]
	return frames
}

// Reset discards any partially accumulated frame.
func (b *FrameBuffer) Reset() { b.buf = b.buf[:0] }
