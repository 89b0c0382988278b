package relay

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrSlowPlayer is returned when a player's outbox is full.
	ErrSlowPlayer = errors.New("player outbox full")

	// ErrOutboxClosed is returned when writing to a closed outbox.
	ErrOutboxClosed = errors.New("player outbox closed")
)

// Outbox decouples fan-out from a player's transport with a bounded queue and a
// writer goroutine. A full queue fails the write, which makes the publisher drop
// the player instead of blocking every other player.
type Outbox struct {
	target  Player
	queue   chan []byte
	done    chan struct{}
	onError func(error)

	mu     sync.Mutex
	closed bool

	written atomic.Uint64
	failed  atomic.Bool
}

// NewOutbox starts a writer for target holding at most capacity pending writes.
// onError is called once, from the writer goroutine, if the target write fails.
func NewOutbox(target Player, capacity int, onError func(error)) *Outbox {
	if capacity < 1 {
		capacity = 1
	}

	o := &Outbox{
		target:  target,
		queue:   make(chan []byte, capacity),
		done:    make(chan struct{}),
		onError: onError,
	}
	go o.run()
	return o
}

// ID returns the wrapped player's id
func (o *Outbox) ID() string {
	return o.target.ID()
}

// BurstTarget returns the wrapped player. Join writes the burst to it directly
// so that the queue only ever bounds live tags.
func (o *Outbox) BurstTarget() Player {
	return o.target
}

// Write enqueues data without blocking
func (o *Outbox) Write(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || o.failed.Load() {
		return ErrOutboxClosed
	}

	select {
	case o.queue <- data:
		return nil
	default:
		return ErrSlowPlayer
	}
}

func (o *Outbox) run() {
	defer close(o.done)

	for data := range o.queue {
		if o.failed.Load() {
			continue
		}
		if err := o.target.Write(data); err != nil {
			o.failed.Store(true)
			if o.onError != nil {
				o.onError(err)
			}
			continue
		}
		o.written.Add(1)
	}
}

// Close stops accepting writes and waits until queued data has been flushed
func (o *Outbox) Close() {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()

	<-o.done
}

// Pending returns the number of queued writes
func (o *Outbox) Pending() int {
	return len(o.queue)
}

// Written returns the number of writes delivered to the target
func (o *Outbox) Written() uint64 {
	return o.written.Load()
}
