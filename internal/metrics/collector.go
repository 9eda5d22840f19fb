// Package metrics exporta os contadores do pipeline como métricas
// Prometheus e serve os endpoints de observabilidade. O collector lê
// snapshots imutáveis do agregador; nada aqui toca o hot path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tickframe/logpipe/pkg/circuit"
	"github.com/tickframe/logpipe/pkg/stats"
)

// PipelineStats é a visão do pipeline que o exporter precisa.
type PipelineStats interface {
	Snapshot() stats.Snapshot
	ResetStats()
	ChannelUtilization() float64
	PoolOutstanding() int
}

// DispatchStats é a visão do dispatcher que o exporter precisa.
type DispatchStats interface {
	QueueUtilization() float64
	BreakerStats() circuit.Stats
}

var (
	descEnqueued = prometheus.NewDesc(
		"logpipe_records_enqueued_total",
		"Records accepted into the ingestion channel",
		nil, nil)
	descDroppedFull = prometheus.NewDesc(
		"logpipe_records_dropped_channel_full_total",
		"Records rejected because the ingestion channel was full",
		nil, nil)
	descSerializeFailures = prometheus.NewDesc(
		"logpipe_serialize_failures_total",
		"Records dropped during serialization",
		nil, nil)
	descDroppedPool = prometheus.NewDesc(
		"logpipe_records_dropped_pool_exhausted_total",
		"Records dropped because no serialization buffer was available",
		nil, nil)
	descBatchesDroppedPool = prometheus.NewDesc(
		"logpipe_batches_dropped_pool_exhausted_total",
		"Batches dropped because no serialization buffer was available",
		nil, nil)
	descBatchesDroppedQueue = prometheus.NewDesc(
		"logpipe_batches_dropped_queue_full_total",
		"Batches dropped because the dispatch queue was full",
		nil, nil)
	descBatchesDispatched = prometheus.NewDesc(
		"logpipe_batches_dispatched_total",
		"Batches acknowledged by the sink",
		nil, nil)
	descRecordsDispatched = prometheus.NewDesc(
		"logpipe_records_dispatched_total",
		"Records acknowledged by the sink",
		nil, nil)
	descBytesDispatched = prometheus.NewDesc(
		"logpipe_bytes_dispatched_total",
		"Payload bytes acknowledged by the sink",
		nil, nil)
	descRetries = prometheus.NewDesc(
		"logpipe_retries_total",
		"Delivery retry attempts scheduled",
		nil, nil)
	descPermanentFailures = prometheus.NewDesc(
		"logpipe_permanent_failures_total",
		"Batches that exhausted every delivery attempt",
		nil, nil)
	descRecordsFailed = prometheus.NewDesc(
		"logpipe_records_failed_total",
		"Records lost to permanent delivery failures",
		nil, nil)
	descDeliveryLatency = prometheus.NewDesc(
		"logpipe_delivery_latency_seconds",
		"Enqueue-to-acknowledgment latency per record",
		nil, nil)
	descChannelUtilization = prometheus.NewDesc(
		"logpipe_channel_utilization",
		"Occupied fraction of the ingestion channel (0.0 to 1.0)",
		nil, nil)
	descPoolOutstanding = prometheus.NewDesc(
		"logpipe_pool_buffers_outstanding",
		"Serialization buffers currently on loan from the pool",
		nil, nil)
	descQueueUtilization = prometheus.NewDesc(
		"logpipe_dispatch_queue_utilization",
		"Occupied fraction of the dispatch queue (0.0 to 1.0)",
		nil, nil)
	descBreakerState = prometheus.NewDesc(
		"logpipe_circuit_breaker_state",
		"Circuit breaker state (0 closed, 1 half-open, 2 open)",
		[]string{"breaker"}, nil)
	descStatsEpoch = prometheus.NewDesc(
		"logpipe_stats_epoch",
		"Epoch of the current stats window, bumped on reset",
		nil, nil)
)

// Collector implementa prometheus.Collector sobre snapshots do agregador.
type Collector struct {
	pipe PipelineStats
	disp DispatchStats
}

// NewCollector cria um collector. disp pode ser nil.
func NewCollector(pipe PipelineStats, disp DispatchStats) *Collector {
	return &Collector{pipe: pipe, disp: disp}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descEnqueued
	ch <- descDroppedFull
	ch <- descSerializeFailures
	ch <- descDroppedPool
	ch <- descBatchesDroppedPool
	ch <- descBatchesDroppedQueue
	ch <- descBatchesDispatched
	ch <- descRecordsDispatched
	ch <- descBytesDispatched
	ch <- descRetries
	ch <- descPermanentFailures
	ch <- descRecordsFailed
	ch <- descDeliveryLatency
	ch <- descChannelUtilization
	ch <- descPoolOutstanding
	ch <- descQueueUtilization
	ch <- descBreakerState
	ch <- descStatsEpoch
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.pipe.Snapshot()

	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	counter(descEnqueued, s.Enqueued)
	counter(descDroppedFull, s.DroppedChannelFull)
	counter(descSerializeFailures, s.SerializeFailures)
	counter(descDroppedPool, s.DroppedPoolExhausted)
	counter(descBatchesDroppedPool, s.BatchesDroppedPool)
	counter(descBatchesDroppedQueue, s.BatchesDroppedQueue)
	counter(descBatchesDispatched, s.BatchesDispatched)
	counter(descRecordsDispatched, s.RecordsDispatched)
	counter(descBytesDispatched, s.BytesDispatched)
	counter(descRetries, s.Retries)
	counter(descPermanentFailures, s.PermanentFailures)
	counter(descRecordsFailed, s.RecordsFailedPermanent)

	ch <- prometheus.MustNewConstMetric(descStatsEpoch, prometheus.GaugeValue, float64(s.Epoch))
	ch <- prometheus.MustNewConstMetric(descChannelUtilization, prometheus.GaugeValue, c.pipe.ChannelUtilization())
	ch <- prometheus.MustNewConstMetric(descPoolOutstanding, prometheus.GaugeValue, float64(c.pipe.PoolOutstanding()))

	ch <- prometheus.MustNewConstHistogram(descDeliveryLatency,
		s.LatencyCount, s.LatencySum.Seconds(), latencyBuckets(s))

	if c.disp != nil {
		ch <- prometheus.MustNewConstMetric(descQueueUtilization, prometheus.GaugeValue, c.disp.QueueUtilization())

		bs := c.disp.BreakerStats()
		ch <- prometheus.MustNewConstMetric(descBreakerState, prometheus.GaugeValue,
			breakerStateValue(bs.State), bs.Name)
	}
}

// latencyBuckets converte o histograma de potências de dois em buckets
// cumulativos com limites em segundos. O bucket de overflow fica implícito
// no +Inf do Prometheus.
func latencyBuckets(s stats.Snapshot) map[float64]uint64 {
	buckets := make(map[float64]uint64, stats.BucketCount)
	var cum uint64
	for i := 0; i < stats.BucketCount; i++ {
		cum += s.LatencyBuckets[i]
		buckets[stats.BucketUpperBound(i).Seconds()] = cum
	}
	return buckets
}

func breakerStateValue(state circuit.State) float64 {
	switch state {
	case circuit.StateHalfOpen:
		return 1
	case circuit.StateOpen:
		return 2
	default:
		return 0
	}
}
