// Package stats keeps the pipeline's own counters and the delivery latency
// histogram. Everything on the write side is a single atomic op so producers
// and the consumer goroutine never contend on a lock.
package stats

import (
	"math/bits"
	"sync/atomic"
	"time"
)

// BucketCount is the number of bounded histogram buckets. Bucket i covers
// [2^i, 2^(i+1)) microseconds; the last slot is the overflow bucket, so the
// bounded range tops out at about 134 seconds.
const BucketCount = 27

// Aggregator é a fonte de verdade das métricas do pipeline. O exporter
// Prometheus e o endpoint /stats leem apenas snapshots.
type Aggregator struct {
	epoch atomic.Uint64

	enqueued           atomic.Uint64
	droppedFull        atomic.Uint64
	serializeFailures  atomic.Uint64
	droppedPool        atomic.Uint64
	batchesDroppedPool atomic.Uint64
	batchesDroppedQ    atomic.Uint64
	batchesDispatched  atomic.Uint64
	recordsDispatched  atomic.Uint64
	bytesDispatched    atomic.Uint64
	retries            atomic.Uint64
	permanentFailures  atomic.Uint64
	recordsFailed      atomic.Uint64

	buckets    [BucketCount + 1]atomic.Uint64
	latencySum atomic.Uint64
}

func New() *Aggregator {
	return &Aggregator{}
}

func (a *Aggregator) IncEnqueued()              { a.enqueued.Add(1) }
func (a *Aggregator) IncDroppedFull()           { a.droppedFull.Add(1) }
func (a *Aggregator) IncSerializeFailure()      { a.serializeFailures.Add(1) }
func (a *Aggregator) AddDroppedPool(n uint64)   { a.droppedPool.Add(n) }
func (a *Aggregator) IncBatchDroppedPool()      { a.batchesDroppedPool.Add(1) }
func (a *Aggregator) IncBatchDroppedQueue()     { a.batchesDroppedQ.Add(1) }
func (a *Aggregator) IncRetry()                 { a.retries.Add(1) }
func (a *Aggregator) IncPermanentFailure()      { a.permanentFailures.Add(1) }
func (a *Aggregator) AddRecordsFailed(n uint64) { a.recordsFailed.Add(n) }

// BatchDispatched records a successful sink acknowledgment.
func (a *Aggregator) BatchDispatched(records int, bytes int) {
	a.batchesDispatched.Add(1)
	a.recordsDispatched.Add(uint64(records))
	a.bytesDispatched.Add(uint64(bytes))
}

// ObserveDeliveryLatency buckets an enqueue-to-acknowledgment latency.
// Wait-free: one load of the bucket index, one atomic add.
func (a *Aggregator) ObserveDeliveryLatency(d time.Duration) {
	us := uint64(d.Microseconds())
	if us < 1 {
		us = 1
	}
	idx := bits.Len64(us) - 1
	if idx >= BucketCount {
		idx = BucketCount
	}
	a.buckets[idx].Add(1)
	a.latencySum.Add(uint64(d))
}

// Reset starts a new epoch and zeroes every counter and bucket. Only called
// explicitly (admin endpoint); concurrent writers may land an increment on
// either side of the reset, which snapshots tolerate.
func (a *Aggregator) Reset() {
	a.epoch.Add(1)
	a.enqueued.Store(0)
	a.droppedFull.Store(0)
	a.serializeFailures.Store(0)
	a.droppedPool.Store(0)
	a.batchesDroppedPool.Store(0)
	a.batchesDroppedQ.Store(0)
	a.batchesDispatched.Store(0)
	a.recordsDispatched.Store(0)
	a.bytesDispatched.Store(0)
	a.retries.Store(0)
	a.permanentFailures.Store(0)
	a.recordsFailed.Store(0)
	for i := range a.buckets {
		a.buckets[i].Store(0)
	}
	a.latencySum.Store(0)
}

// Snapshot é uma cópia imutável dos contadores em um instante.
type Snapshot struct {
	Epoch uint64 `json:"epoch"`

	Enqueued               uint64 `json:"enqueued"`
	DroppedChannelFull     uint64 `json:"dropped_channel_full"`
	SerializeFailures      uint64 `json:"serialize_failures"`
	DroppedPoolExhausted   uint64 `json:"dropped_pool_exhausted"`
	BatchesDroppedPool     uint64 `json:"batches_dropped_pool"`
	BatchesDroppedQueue    uint64 `json:"batches_dropped_queue"`
	BatchesDispatched      uint64 `json:"batches_dispatched"`
	RecordsDispatched      uint64 `json:"records_dispatched"`
	BytesDispatched        uint64 `json:"bytes_dispatched"`
	Retries                uint64 `json:"retries"`
	PermanentFailures      uint64 `json:"permanent_failures"`
	RecordsFailedPermanent uint64 `json:"records_failed_permanent"`

	LatencyBuckets [BucketCount + 1]uint64 `json:"latency_buckets"`
	LatencyCount   uint64                  `json:"latency_count"`
	LatencySum     time.Duration           `json:"latency_sum_ns"`

	LatencyP50  time.Duration `json:"latency_p50_ns"`
	LatencyP95  time.Duration `json:"latency_p95_ns"`
	LatencyP99  time.Duration `json:"latency_p99_ns"`
	LatencyP999 time.Duration `json:"latency_p999_ns"`
}

// Snapshot copies every counter. Buckets are read individually, so a
// snapshot taken during heavy traffic is consistent per counter, not across
// counters, which is all percentile math needs.
func (a *Aggregator) Snapshot() Snapshot {
	s := Snapshot{
		Epoch:                  a.epoch.Load(),
		Enqueued:               a.enqueued.Load(),
		DroppedChannelFull:     a.droppedFull.Load(),
		SerializeFailures:      a.serializeFailures.Load(),
		DroppedPoolExhausted:   a.droppedPool.Load(),
		BatchesDroppedPool:     a.batchesDroppedPool.Load(),
		BatchesDroppedQueue:    a.batchesDroppedQ.Load(),
		BatchesDispatched:      a.batchesDispatched.Load(),
		RecordsDispatched:      a.recordsDispatched.Load(),
		BytesDispatched:        a.bytesDispatched.Load(),
		Retries:                a.retries.Load(),
		PermanentFailures:      a.permanentFailures.Load(),
		RecordsFailedPermanent: a.recordsFailed.Load(),
	}
	for i := range a.buckets {
		s.LatencyBuckets[i] = a.buckets[i].Load()
		s.LatencyCount += s.LatencyBuckets[i]
	}
	s.LatencySum = time.Duration(a.latencySum.Load())
	s.LatencyP50 = s.Percentile(0.50)
	s.LatencyP95 = s.Percentile(0.95)
	s.LatencyP99 = s.Percentile(0.99)
	s.LatencyP999 = s.Percentile(0.999)
	return s
}

// BucketUpperBound returns the exclusive upper bound of bucket i.
func BucketUpperBound(i int) time.Duration {
	if i >= BucketCount {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(uint64(1)<<(i+1)) * time.Microsecond
}

// Percentile reports the upper bound of the bucket containing quantile q.
// Overflow observations report the maximum trackable bound.
func (s Snapshot) Percentile(q float64) time.Duration {
	if s.LatencyCount == 0 {
		return 0
	}
	target := uint64(q * float64(s.LatencyCount))
	if target < 1 {
		target = 1
	}

	var cum uint64
	for i := 0; i <= BucketCount; i++ {
		cum += s.LatencyBuckets[i]
		if cum >= target {
			if i == BucketCount {
				return BucketUpperBound(BucketCount - 1)
			}
			return BucketUpperBound(i)
		}
	}
	return BucketUpperBound(BucketCount - 1)
}
