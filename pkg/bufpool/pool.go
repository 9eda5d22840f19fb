// Package bufpool provides the fixed set of serialization buffers shared by
// the batch pipeline. Buffers are recycled on sink acknowledgment, so pool
// pressure is the natural backpressure signal when a sink falls behind.
package bufpool

import (
	"sync/atomic"
	"time"
)

// Buffer is a reusable byte buffer. B is exported so encoders can use the
// plain append idiom and store the grown slice back.
type Buffer struct {
	B []byte

	released atomic.Bool
}

// Reset drops the contents but keeps the capacity.
func (b *Buffer) Reset() {
	b.B = b.B[:0]
}

// Pool hands out buffers from a preallocated free list. When the list is
// empty it allocates, up to a hard outstanding limit; past the limit the
// caller must treat the batch as droppable.
type Pool struct {
	free     chan *Buffer
	bufBytes int
	limit    int64

	outstanding atomic.Int64
	misses      atomic.Uint64
}

// NewPool preallocates capacity buffers of bufBytes each. The outstanding
// limit is twice the capacity.
func NewPool(capacity, bufBytes int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	if bufBytes < 64 {
		bufBytes = 64
	}

	p := &Pool{
		free:     make(chan *Buffer, capacity),
		bufBytes: bufBytes,
		limit:    int64(2 * capacity),
	}
	for i := 0; i < capacity; i++ {
		p.free <- &Buffer{B: make([]byte, 0, bufBytes)}
	}
	return p
}

// Acquire returns a buffer without blocking. The second return is false
// only when the free list is empty and the outstanding limit was reached.
func (p *Pool) Acquire() (*Buffer, bool) {
	select {
	case b := <-p.free:
		b.released.Store(false)
		p.outstanding.Add(1)
		return b, true
	default:
	}

	if p.outstanding.Add(1) > p.limit {
		p.outstanding.Add(-1)
		return nil, false
	}
	p.misses.Add(1)
	return &Buffer{B: make([]byte, 0, p.bufBytes)}, true
}

// AcquireTimeout waits up to d for a release before giving up.
func (p *Pool) AcquireTimeout(d time.Duration) (*Buffer, bool) {
	if b, ok := p.Acquire(); ok {
		return b, true
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case b := <-p.free:
		b.released.Store(false)
		p.outstanding.Add(1)
		return b, true
	case <-t.C:
		return nil, false
	}
}

// Release resets the buffer and returns it to the free list. Releasing the
// same buffer twice corrupts the lifecycle accounting, so it panics.
func (p *Pool) Release(b *Buffer) {
	if b.released.Swap(true) {
		panic("bufpool: buffer released twice")
	}
	b.Reset()
	p.outstanding.Add(-1)

	select {
	case p.free <- b:
	default:
		// buffer came from an overflow allocation, let GC take it
	}
}

// Misses counts acquisitions served by a fresh allocation.
func (p *Pool) Misses() uint64 {
	return p.misses.Load()
}

// Outstanding counts buffers currently leased.
func (p *Pool) Outstanding() int {
	return int(p.outstanding.Load())
}
