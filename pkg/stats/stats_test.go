package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAccumulate(t *testing.T) {
	a := New()

	a.IncEnqueued()
	a.IncEnqueued()
	a.IncDroppedFull()
	a.BatchDispatched(64, 4096)
	a.IncRetry()

	s := a.Snapshot()
	assert.Equal(t, uint64(2), s.Enqueued)
	assert.Equal(t, uint64(1), s.DroppedChannelFull)
	assert.Equal(t, uint64(1), s.BatchesDispatched)
	assert.Equal(t, uint64(64), s.RecordsDispatched)
	assert.Equal(t, uint64(4096), s.BytesDispatched)
	assert.Equal(t, uint64(1), s.Retries)
}

func TestHistogramBucketing(t *testing.T) {
	a := New()

	a.ObserveDeliveryLatency(500 * time.Nanosecond) // clamps into bucket 0
	a.ObserveDeliveryLatency(1 * time.Microsecond)  // bucket 0: [1us, 2us)
	a.ObserveDeliveryLatency(3 * time.Microsecond)  // bucket 1: [2us, 4us)
	a.ObserveDeliveryLatency(100 * time.Microsecond) // bucket 6: [64us, 128us)
	a.ObserveDeliveryLatency(10 * time.Hour)        // overflow

	s := a.Snapshot()
	assert.Equal(t, uint64(2), s.LatencyBuckets[0])
	assert.Equal(t, uint64(1), s.LatencyBuckets[1])
	assert.Equal(t, uint64(1), s.LatencyBuckets[6])
	assert.Equal(t, uint64(1), s.LatencyBuckets[BucketCount])
	assert.Equal(t, uint64(5), s.LatencyCount)
}

func TestPercentiles(t *testing.T) {
	a := New()

	// 90 fast observations, 10 slow ones
	for i := 0; i < 90; i++ {
		a.ObserveDeliveryLatency(10 * time.Microsecond) // bucket 3: [8us, 16us)
	}
	for i := 0; i < 10; i++ {
		a.ObserveDeliveryLatency(5 * time.Millisecond) // bucket 12
	}

	s := a.Snapshot()
	assert.Equal(t, 16*time.Microsecond, s.LatencyP50)
	assert.Equal(t, 8192*time.Microsecond, s.LatencyP99)
	assert.LessOrEqual(t, s.LatencyP50, s.LatencyP95)
	assert.LessOrEqual(t, s.LatencyP95, s.LatencyP99)
	assert.LessOrEqual(t, s.LatencyP99, s.LatencyP999)
}

func TestPercentileEmpty(t *testing.T) {
	s := New().Snapshot()
	assert.Equal(t, time.Duration(0), s.LatencyP99)
}

func TestResetStartsNewEpoch(t *testing.T) {
	a := New()
	a.IncEnqueued()
	a.ObserveDeliveryLatency(time.Millisecond)

	before := a.Snapshot()
	require.Equal(t, uint64(0), before.Epoch)
	require.Equal(t, uint64(1), before.Enqueued)

	a.Reset()

	after := a.Snapshot()
	assert.Equal(t, uint64(1), after.Epoch)
	assert.Zero(t, after.Enqueued)
	assert.Zero(t, after.LatencyCount)

	// snapshot taken before the reset is untouched
	assert.Equal(t, uint64(1), before.Enqueued)
}

func TestConcurrentWriters(t *testing.T) {
	a := New()
	var wg sync.WaitGroup

	const writers = 16
	const perWriter = 10000
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				a.IncEnqueued()
				a.ObserveDeliveryLatency(time.Duration(i%1000) * time.Microsecond)
			}
		}()
	}
	wg.Wait()

	s := a.Snapshot()
	assert.Equal(t, uint64(writers*perWriter), s.Enqueued)
	assert.Equal(t, uint64(writers*perWriter), s.LatencyCount)
}
