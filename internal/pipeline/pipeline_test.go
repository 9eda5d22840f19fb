package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
	"go.uber.org/goleak"

	"github.com/tickframe/logpipe/internal/dispatch"
	"github.com/tickframe/logpipe/pkg/bufpool"
	"github.com/tickframe/logpipe/pkg/circuit"
	"github.com/tickframe/logpipe/pkg/stats"
	"github.com/tickframe/logpipe/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// captureSink copies payloads; the original bytes go back to the pool
// right after the ack.
type captureSink struct {
	mu       sync.Mutex
	payloads [][]byte
	records  int
	batches  chan int
}

func newCaptureSink() *captureSink {
	return &captureSink{batches: make(chan int, 256)}
}

func (c *captureSink) Append(_ context.Context, p types.Payload) error {
	data := make([]byte, len(p.Data))
	copy(data, p.Data)

	c.mu.Lock()
	c.payloads = append(c.payloads, data)
	c.records += p.Records
	c.mu.Unlock()

	c.batches <- p.Records
	return nil
}

func (c *captureSink) Start(context.Context) error { return nil }
func (c *captureSink) Stop() error                 { return nil }
func (c *captureSink) IsHealthy() bool             { return true }
func (c *captureSink) Name() string                { return "capture" }

func (c *captureSink) totalRecords() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records
}

// lines returns every NDJSON line delivered so far, in delivery order.
func (c *captureSink) lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, p := range c.payloads {
		for _, l := range strings.Split(strings.TrimSpace(string(p)), "\n") {
			if l != "" {
				out = append(out, l)
			}
		}
	}
	return out
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestPipeline(t *testing.T, cfg Config, sink types.Sink) (*Pipeline, *stats.Aggregator) {
	t.Helper()

	if cfg.PoolCapacity == 0 {
		cfg.PoolCapacity = 16
	}
	if cfg.BufferBytes == 0 {
		cfg.BufferBytes = 64 * 1024
	}
	pool := bufpool.NewPool(cfg.PoolCapacity, cfg.BufferBytes)
	agg := stats.New()

	d := dispatch.NewDispatcher(dispatch.Config{
		QueueSize: 128,
		Breaker:   circuit.BreakerConfig{Name: "test", FailureThreshold: 100},
	}, sink, pool, agg, nil, quietLogger(), nil)
	require.NoError(t, d.Start(context.Background()))

	p := New(cfg, d, pool, agg, quietLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
		// cobre testes que nunca iniciaram o pipeline
		_ = d.Stop(ctx)
	})
	return p, agg
}

func TestSizeTriggerClosesBatch(t *testing.T) {
	sink := newCaptureSink()
	p, _ := newTestPipeline(t, Config{
		MaxBatchSize: 64,
		MaxBatchAge:  time.Hour,
		FlushTick:    time.Millisecond,
	}, sink)
	require.NoError(t, p.Start(context.Background()))

	for i := 0; i < 64; i++ {
		require.True(t, p.Log(types.LevelInfo, "svc", fmt.Sprintf("m%d", i)))
	}

	select {
	case n := <-sink.batches:
		assert.Equal(t, 64, n, "batch must close by count, not age")
	case <-time.After(2 * time.Second):
		t.Fatal("size-triggered batch never arrived")
	}
}

func TestAgeTriggerFlushesPartialBatch(t *testing.T) {
	sink := newCaptureSink()
	p, _ := newTestPipeline(t, Config{
		MaxBatchSize: 1000,
		MaxBatchAge:  50 * time.Millisecond,
		FlushTick:    5 * time.Millisecond,
	}, sink)
	require.NoError(t, p.Start(context.Background()))

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.True(t, p.Log(types.LevelMarketData, "md", fmt.Sprintf("tick%d", i)))
	}

	select {
	case n := <-sink.batches:
		assert.Equal(t, 3, n)
		elapsed := time.Since(start)
		assert.GreaterOrEqual(t, elapsed, 45*time.Millisecond, "must wait for the age trigger")
		assert.Less(t, elapsed, 500*time.Millisecond, "age trigger must not be unbounded")
	case <-time.After(2 * time.Second):
		t.Fatal("age-triggered batch never arrived")
	}
}

func TestFullChannelDropsWithCount(t *testing.T) {
	sink := newCaptureSink()
	p, agg := newTestPipeline(t, Config{
		ChannelCapacity: 1024,
		MaxBatchSize:    100,
		MaxBatchAge:     10 * time.Millisecond,
		FlushTick:       time.Millisecond,
	}, sink)

	// consumer not started yet: the ring fills and the excess drops
	p.accepting.Store(true)
	accepted := 0
	for i := 0; i < 2000; i++ {
		if p.Log(types.LevelInfo, "svc", fmt.Sprintf("m%d", i)) {
			accepted++
		}
	}
	assert.Equal(t, 1024, accepted, "ring capacity bounds acceptance")

	s := agg.Snapshot()
	assert.Equal(t, uint64(1024), s.Enqueued)
	assert.Equal(t, uint64(976), s.DroppedChannelFull)

	// once the consumer runs, everything accepted is delivered exactly once
	require.NoError(t, p.Start(context.Background()))
	require.Eventually(t, func() bool { return sink.totalRecords() == 1024 },
		5*time.Second, 5*time.Millisecond)
}

func TestPerProducerOrderAndExactlyOnce(t *testing.T) {
	sink := newCaptureSink()
	p, agg := newTestPipeline(t, Config{
		ChannelCapacity: 1 << 16,
		MaxBatchSize:    50,
		MaxBatchAge:     5 * time.Millisecond,
		FlushTick:       time.Millisecond,
	}, sink)
	require.NoError(t, p.Start(context.Background()))

	const producers = 4
	const perProducer = 2000

	var wg sync.WaitGroup
	for prod := 0; prod < producers; prod++ {
		wg.Add(1)
		go func(prod int) {
			defer wg.Done()
			svc := fmt.Sprintf("svc%d", prod)
			for i := 0; i < perProducer; i++ {
				for !p.Log(types.LevelTrade, svc, fmt.Sprintf("%d", i)) {
					time.Sleep(10 * time.Microsecond)
				}
			}
		}(prod)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return sink.totalRecords() == producers*perProducer },
		10*time.Second, 10*time.Millisecond)

	// parse every delivered line; each producer's sequence must be strictly
	// increasing and complete
	lastSeq := map[string]int{}
	counts := map[string]int{}
	var parser fastjson.Parser
	for _, line := range sink.lines() {
		v, err := parser.Parse(line)
		require.NoError(t, err)
		svc := string(v.GetStringBytes("service"))
		var n int
		_, err = fmt.Sscanf(string(v.GetStringBytes("message")), "%d", &n)
		require.NoError(t, err)

		if prev, ok := lastSeq[svc]; ok {
			require.Greater(t, n, prev, "per-producer order violated for %s", svc)
		}
		lastSeq[svc] = n
		counts[svc]++
	}
	for svc, n := range counts {
		assert.Equal(t, perProducer, n, "service %s must be delivered exactly once", svc)
	}

	s := agg.Snapshot()
	assert.Equal(t, uint64(producers*perProducer), s.RecordsDispatched)
	assert.Zero(t, s.DroppedChannelFull+s.PermanentFailures+s.SerializeFailures)
}

func TestOversizedRecordDropped(t *testing.T) {
	sink := newCaptureSink()
	p, agg := newTestPipeline(t, Config{
		MaxBatchSize:   10,
		MaxBatchAge:    10 * time.Millisecond,
		FlushTick:      time.Millisecond,
		MaxRecordBytes: 200,
	}, sink)
	require.NoError(t, p.Start(context.Background()))

	require.True(t, p.Log(types.LevelInfo, "svc", strings.Repeat("x", 4096)))
	require.True(t, p.Log(types.LevelInfo, "svc", "small"))

	require.Eventually(t, func() bool { return sink.totalRecords() == 1 },
		2*time.Second, 5*time.Millisecond)

	s := agg.Snapshot()
	assert.Equal(t, uint64(1), s.SerializeFailures)
	assert.Equal(t, uint64(1), s.RecordsDispatched)
	require.Len(t, sink.lines(), 1)
	assert.Contains(t, sink.lines()[0], `"message":"small"`)
}

func TestShutdownDrainsOpenBatch(t *testing.T) {
	sink := newCaptureSink()
	p, agg := newTestPipeline(t, Config{
		MaxBatchSize: 1000,
		MaxBatchAge:  time.Hour,
		FlushTick:    time.Millisecond,
	}, sink)
	require.NoError(t, p.Start(context.Background()))

	for i := 0; i < 37; i++ {
		require.True(t, p.Log(types.LevelOrder, "oms", fmt.Sprintf("o%d", i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	assert.Equal(t, 37, sink.totalRecords(), "shutdown must flush the open batch")
	assert.Equal(t, uint64(37), agg.Snapshot().RecordsDispatched)
	assert.Equal(t, 0, p.PoolOutstanding())

	// após o shutdown a ingestão recusa
	assert.False(t, p.Log(types.LevelInfo, "svc", "late"))
}

func TestLogBatchPerItemResults(t *testing.T) {
	sink := newCaptureSink()
	p, _ := newTestPipeline(t, Config{
		ChannelCapacity: 4,
		MaxBatchSize:    100,
		MaxBatchAge:     time.Hour,
		FlushTick:       time.Hour,
	}, sink)
	p.accepting.Store(true)

	results := p.LogBatch(types.LevelRisk, "risk", []string{"a", "b", "c", "d", "e", "f"})
	require.Len(t, results, 6)
	assert.Equal(t, []bool{true, true, true, true, false, false}, results,
		"items past the ring capacity fail individually")
}

func TestDeliveryLatencyObserved(t *testing.T) {
	sink := newCaptureSink()
	p, agg := newTestPipeline(t, Config{
		MaxBatchSize: 4,
		MaxBatchAge:  5 * time.Millisecond,
		FlushTick:    time.Millisecond,
	}, sink)
	require.NoError(t, p.Start(context.Background()))

	for i := 0; i < 4; i++ {
		require.True(t, p.Log(types.LevelInfo, "svc", "m"))
	}
	require.Eventually(t, func() bool { return agg.Snapshot().LatencyCount == 4 },
		2*time.Second, 5*time.Millisecond)

	s := agg.Snapshot()
	assert.Greater(t, s.LatencyP50, time.Duration(0))
	assert.LessOrEqual(t, s.LatencyP50, s.LatencyP999)
}
