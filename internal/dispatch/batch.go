package dispatch

import (
	"sync"
	"time"

	"github.com/tickframe/logpipe/pkg/bufpool"
)

// Batch is a closed, serialized group of records plus the bookkeeping the
// dispatcher needs to acknowledge it. Batches are recycled through a pool;
// the accumulator takes one with GetBatch and the dispatcher returns it
// after the final ack or failure.
type Batch struct {
	// ID identifies the batch across retry attempts.
	ID string
	// Buf holds the serialized NDJSON payload. Owned by the batch until
	// the dispatcher releases it back to the buffer pool.
	Buf *bufpool.Buffer
	// Records is the number of records serialized into Buf.
	Records int
	// EnqueuedAt carries the enqueue timestamp (unix nanos) of each record
	// so delivery latency can be observed at ack time.
	EnqueuedAt []int64
	// ClosedAt is when the accumulator closed the batch.
	ClosedAt time.Time
	// Attempts counts delivery attempts performed so far.
	Attempts int

	payload  []byte
	encoding string
}

var batchPool = sync.Pool{
	New: func() interface{} { return &Batch{} },
}

// GetBatch takes a reset batch from the pool.
func GetBatch() *Batch {
	return batchPool.Get().(*Batch)
}

// PutBatch resets the batch and returns it to the pool. The caller must
// have released or detached Buf first.
func PutBatch(b *Batch) {
	b.ID = ""
	b.Buf = nil
	b.Records = 0
	b.EnqueuedAt = b.EnqueuedAt[:0]
	b.ClosedAt = time.Time{}
	b.Attempts = 0
	b.payload = nil
	b.encoding = ""
	batchPool.Put(b)
}
