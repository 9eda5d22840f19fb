// Package ring implements the bounded lock-free queue that sits between
// producers on the hot path and the single pipeline consumer.
package ring

import (
	"sync/atomic"

	"github.com/tickframe/logpipe/pkg/types"
)

type slot struct {
	seq atomic.Uint64
	rec types.Record
}

// Buffer is a bounded multi-producer single-consumer ring. Capacity is
// rounded up to a power of two so slot selection is a mask, not a modulo.
// TryPush and TryPop never block and never allocate.
type Buffer struct {
	mask  uint64
	slots []slot

	enqueuePos atomic.Uint64
	_          [56]byte // keep producer and consumer cursors on separate cache lines
	dequeuePos atomic.Uint64
}

// New creates a ring with at least the requested capacity.
func New(capacity int) *Buffer {
	if capacity < 2 {
		capacity = 2
	}
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}

	b := &Buffer{
		mask:  size - 1,
		slots: make([]slot, size),
	}
	for i := range b.slots {
		b.slots[i].seq.Store(uint64(i))
	}
	return b
}

// TryPush claims a slot by CAS and publishes the record with a release
// store on the slot sequence. Returns false when the ring is full; the
// caller drops the record and counts it.
func (b *Buffer) TryPush(rec types.Record) bool {
	pos := b.enqueuePos.Load()
	for {
		s := &b.slots[pos&b.mask]
		seq := s.seq.Load()
		diff := int64(seq) - int64(pos)

		switch {
		case diff == 0:
			if b.enqueuePos.CompareAndSwap(pos, pos+1) {
				s.rec = rec
				s.seq.Store(pos + 1)
				return true
			}
			pos = b.enqueuePos.Load()
		case diff < 0:
			// consumer has not freed this slot yet: ring full
			return false
		default:
			pos = b.enqueuePos.Load()
		}
	}
}

// TryPop moves the next record into out. Single consumer only.
func (b *Buffer) TryPop(out *types.Record) bool {
	pos := b.dequeuePos.Load()
	s := &b.slots[pos&b.mask]
	seq := s.seq.Load()
	if int64(seq)-int64(pos+1) < 0 {
		return false
	}

	*out = s.rec
	s.rec = types.Record{} // release references held by the slot
	s.seq.Store(pos + b.mask + 1)
	b.dequeuePos.Store(pos + 1)
	return true
}

// Len is an instantaneous approximation, only used for stats.
func (b *Buffer) Len() int {
	head := b.enqueuePos.Load()
	tail := b.dequeuePos.Load()
	if head < tail {
		return 0
	}
	return int(head - tail)
}

// Cap returns the effective (rounded) capacity.
func (b *Buffer) Cap() int {
	return len(b.slots)
}
