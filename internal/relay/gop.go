package relay

import (
	"github.com/eapache/queue"
)

// GOPCache holds framed tags emitted since the last video key frame.
// It is not safe for concurrent use; the owning Publisher serializes access.
type GOPCache struct {
	tags  *queue.Queue // of []byte, oldest first
	size  int          // bytes held
	limit int          // 0 means unbounded

	resets  uint64
	evicted uint64
}

// NewGOPCache creates a cache bounded to limit bytes (0 = unbounded)
func NewGOPCache(limit int) *GOPCache {
	return &GOPCache{tags: queue.New(), limit: limit}
}

// Reset drops every cached tag
func (c *GOPCache) Reset() {
	c.tags = queue.New()
	c.size = 0
	c.resets++
}

// Add appends a framed tag, evicting the oldest tags while over the byte limit.
// The newest tag is always retained.
func (c *GOPCache) Add(tag []byte) {
	c.tags.Add(tag)
	c.size += len(tag)

	for c.limit > 0 && c.size > c.limit && c.tags.Length() > 1 {
		oldest := c.tags.Remove().([]byte)
		c.size -= len(oldest)
		c.evicted++
	}
}

// Each calls fn for every cached tag, oldest first, stopping at the first error
func (c *GOPCache) Each(fn func(tag []byte) error) error {
	for i := 0; i < c.tags.Length(); i++ {
		if err := fn(c.tags.Get(i).([]byte)); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of cached tags
func (c *GOPCache) Len() int {
	return c.tags.Length()
}

// Size returns the number of cached bytes
func (c *GOPCache) Size() int {
	return c.size
}

// Resets returns how many times the cache was cleared by a key frame
func (c *GOPCache) Resets() uint64 {
	return c.resets
}

// Evicted returns how many tags were dropped to honour the byte limit
func (c *GOPCache) Evicted() uint64 {
	return c.evicted
}
