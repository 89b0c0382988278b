package intake

import (
	"errors"
	"sync"

	"github.com/eapache/queue"
)

var (
	// ErrStopped is returned once the buffer has been stopped; pending bytes are discarded.
	ErrStopped = errors.New("intake buffer stopped")

	// ErrShortBuffer is returned by Read when fewer bytes are buffered than requested.
	ErrShortBuffer = errors.New("not enough buffered bytes")
)

// Buffer is a FIFO of received byte chunks with a need(n) readiness predicate.
// One producer pushes transport chunks, one consumer reads exact byte counts.
// The buffered size is unbounded.
type Buffer struct {
	chunks  *queue.Queue // of []byte, oldest first
	offset  int          // read position inside the oldest chunk
	length  int          // unread bytes across all chunks
	stopped bool

	// Statistics
	pushes        uint64
	bytesPushed   uint64
	bytesConsumed uint64
	bytesDropped  uint64

	mu   sync.Mutex
	cond *sync.Cond
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	Pushes        uint64 `json:"pushes"`
	BytesPushed   uint64 `json:"bytes_pushed"`
	BytesConsumed uint64 `json:"bytes_consumed"`
	BytesDropped  uint64 `json:"bytes_dropped"`
	Buffered      int    `json:"buffered"`
	Chunks        int    `json:"chunks"`
	Stopped       bool   `json:"stopped"`
}

// NewBuffer creates an empty intake buffer
func NewBuffer() *Buffer {
	b := &Buffer{chunks: queue.New()}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push appends a copy of chunk and wakes a parked consumer.
// Bytes pushed after Stop are counted as dropped.
func (b *Buffer) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		b.bytesDropped += uint64(len(chunk))
		return
	}

	data := make([]byte, len(chunk))
	copy(data, chunk)

	b.chunks.Add(data)
	b.length += len(data)
	b.pushes++
	b.bytesPushed += uint64(len(data))

	b.cond.Broadcast()
}

// Need reports whether at least n bytes can be read without waiting.
func (b *Buffer) Need(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.stopped && b.length >= n
}

// Read removes and returns exactly n bytes.
func (b *Buffer) Read(n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readLocked(n)
}

// Wait parks the caller until n bytes are buffered or the buffer is stopped.
func (b *Buffer) Wait(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waitLocked(n)
}

// Next waits for n bytes and consumes them in one step.
func (b *Buffer) Next(n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.waitLocked(n); err != nil {
		return nil, err
	}
	return b.readLocked(n)
}

// Stop discards buffered bytes and releases any parked consumer. Safe to call repeatedly.
func (b *Buffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}

	b.stopped = true
	b.bytesDropped += uint64(b.length)
	b.chunks = queue.New()
	b.offset = 0
	b.length = 0

	b.cond.Broadcast()
}

// Stopped reports whether Stop has been called
func (b *Buffer) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// Len returns the number of unread bytes
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Stats returns current buffer statistics
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BufferStats{
		Pushes:        b.pushes,
		BytesPushed:   b.bytesPushed,
		BytesConsumed: b.bytesConsumed,
		BytesDropped:  b.bytesDropped,
		Buffered:      b.length,
		Chunks:        b.chunks.Length(),
		Stopped:       b.stopped,
	}
}

func (b *Buffer) waitLocked(n int) error {
	for !b.stopped && b.length < n {
		b.cond.Wait()
	}
	if b.stopped {
		return ErrStopped
	}
	return nil
}

func (b *Buffer) readLocked(n int) ([]byte, error) {
	if b.stopped {
		return nil, ErrStopped
	}
	if n > b.length {
		return nil, ErrShortBuffer
	}

	out := make([]byte, n)
	copied := 0
	for copied < n {
		chunk := b.chunks.Peek().([]byte)
		c := copy(out[copied:], chunk[b.offset:])
		copied += c
		b.offset += c

		if b.offset == len(chunk) {
			b.chunks.Remove()
			b.offset = 0
		}
	}

	b.length -= n
	b.bytesConsumed += uint64(n)

	return out, nil
}
