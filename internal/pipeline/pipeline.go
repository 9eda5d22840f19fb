// Package pipeline is the ingestion front of the system. Producers call
// Log on the hot path: a timestamped record goes into the lock-free ring
// and the call returns, never blocking and never allocating beyond the
// caller's own field slice. A single consumer goroutine drains the ring
// into batches and hands closed batches to the dispatcher.
package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tickframe/logpipe/internal/dispatch"
	"github.com/tickframe/logpipe/internal/serialize"
	"github.com/tickframe/logpipe/pkg/bufpool"
	"github.com/tickframe/logpipe/pkg/ring"
	"github.com/tickframe/logpipe/pkg/stats"
	"github.com/tickframe/logpipe/pkg/types"
)

// Config parâmetros do pipeline de ingestão
type Config struct {
	// ChannelCapacity is the ring size, rounded up to a power of two.
	ChannelCapacity int
	// PoolCapacity is the number of preallocated serialization buffers.
	PoolCapacity int
	// BufferBytes is the initial capacity of each pooled buffer.
	BufferBytes int
	// MaxBatchSize closes a batch by count.
	MaxBatchSize int
	// MaxBatchAge closes a batch by age, measured from the enqueue of its
	// first record.
	MaxBatchAge time.Duration
	// FlushTick bounds how late the age trigger can fire when producers
	// go quiet.
	FlushTick time.Duration
	// PoolWait bounds how long a closing batch waits for a buffer before
	// being dropped.
	PoolWait time.Duration
	// MaxRecordBytes drops records whose encoding exceeds this size.
	MaxRecordBytes int
}

func (c *Config) applyDefaults() {
	if c.ChannelCapacity <= 0 {
		c.ChannelCapacity = 65536
	}
	if c.PoolCapacity <= 0 {
		c.PoolCapacity = 64
	}
	if c.BufferBytes <= 0 {
		c.BufferBytes = 256 * 1024
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 1000
	}
	if c.MaxBatchAge <= 0 {
		c.MaxBatchAge = time.Millisecond
	}
	if c.FlushTick <= 0 {
		c.FlushTick = 100 * time.Microsecond
	}
	if c.PoolWait <= 0 {
		c.PoolWait = 5 * time.Millisecond
	}
	if c.MaxRecordBytes <= 0 {
		c.MaxRecordBytes = 64 * 1024
	}
}

// Pipeline liga produtores, acumulador e dispatcher.
type Pipeline struct {
	config     Config
	logger     *logrus.Logger
	ring       *ring.Buffer
	pool       *bufpool.Pool
	aggregator *stats.Aggregator
	encoder    serialize.Encoder
	dispatcher *dispatch.Dispatcher

	// wake nudges the consumer without making producers wait for the tick
	wake chan struct{}

	accepting atomic.Bool
	isRunning atomic.Bool
	stopCh    chan struct{}
	done      chan struct{}

	// accumulator state, touched only by the consumer goroutine
	open struct {
		records  []types.Record
		enqueued []int64
	}
}

// New creates a pipeline wired to an already-constructed dispatcher.
func New(config Config, dispatcher *dispatch.Dispatcher, pool *bufpool.Pool, aggregator *stats.Aggregator, logger *logrus.Logger) *Pipeline {
	config.applyDefaults()

	p := &Pipeline{
		config:     config,
		logger:     logger,
		ring:       ring.New(config.ChannelCapacity),
		pool:       pool,
		aggregator: aggregator,
		encoder:    serialize.Encoder{MaxRecordBytes: config.MaxRecordBytes},
		dispatcher: dispatcher,
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	p.open.records = make([]types.Record, 0, config.MaxBatchSize)
	p.open.enqueued = make([]int64, 0, config.MaxBatchSize)
	return p
}

// Start lança o consumidor. O dispatcher já deve estar rodando.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already running")
	}

	p.logger.WithFields(logrus.Fields{
		"channel_capacity": p.ring.Cap(),
		"max_batch_size":   p.config.MaxBatchSize,
		"max_batch_age":    p.config.MaxBatchAge,
	}).Info("Starting pipeline")

	p.accepting.Store(true)
	go p.run()
	return nil
}

// Log enfileira um registro. Nunca bloqueia: com o canal cheio o registro
// é descartado e contado. O retorno diz se o registro entrou.
func (p *Pipeline) Log(level types.Level, service, message string, fields ...types.Field) bool {
	if !p.accepting.Load() {
		return false
	}

	rec := types.Record{
		Time:    time.Now().UnixNano(),
		Level:   level,
		Service: service,
		Message: message,
		Fields:  fields,
	}
	if !p.ring.TryPush(rec) {
		p.aggregator.IncDroppedFull()
		return false
	}
	p.aggregator.IncEnqueued()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// LogBatch enfileira várias mensagens do mesmo serviço e nível, com
// resultado individual por item.
func (p *Pipeline) LogBatch(level types.Level, service string, messages []string) []bool {
	results := make([]bool, len(messages))
	for i, msg := range messages {
		results[i] = p.Log(level, service, msg)
	}
	return results
}

// Snapshot retorna os contadores e o histograma de latência.
func (p *Pipeline) Snapshot() stats.Snapshot {
	return p.aggregator.Snapshot()
}

// ResetStats inicia uma nova época de métricas.
func (p *Pipeline) ResetStats() {
	p.aggregator.Reset()
}

// ChannelUtilization fração ocupada do canal de ingestão.
func (p *Pipeline) ChannelUtilization() float64 {
	return float64(p.ring.Len()) / float64(p.ring.Cap())
}

// PoolOutstanding buffers atualmente emprestados.
func (p *Pipeline) PoolOutstanding() int {
	return p.pool.Outstanding()
}

func (p *Pipeline) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.config.FlushTick)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			p.drain()
			return
		case <-p.wake:
		case <-ticker.C:
		}

		p.pump()
		p.maybeFlushAged()
	}
}

// pump drena o ring para o lote aberto, fechando por contagem.
func (p *Pipeline) pump() {
	var rec types.Record
	for p.ring.TryPop(&rec) {
		p.open.records = append(p.open.records, rec)
		p.open.enqueued = append(p.open.enqueued, rec.Time)

		if len(p.open.records) >= p.config.MaxBatchSize {
			p.closeBatch()
		}
	}
}

// maybeFlushAged fecha o lote aberto quando o primeiro registro envelheceu
// além de MaxBatchAge.
func (p *Pipeline) maybeFlushAged() {
	if len(p.open.records) == 0 {
		return
	}
	age := time.Duration(time.Now().UnixNano() - p.open.enqueued[0])
	if age >= p.config.MaxBatchAge {
		p.closeBatch()
	}
}

// closeBatch serializa o lote aberto num buffer do pool e entrega ao
// dispatcher. Um lote fechado nunca reabre.
func (p *Pipeline) closeBatch() {
	defer func() {
		p.open.records = p.open.records[:0]
		p.open.enqueued = p.open.enqueued[:0]
	}()

	buf, ok := p.pool.Acquire()
	if !ok {
		buf, ok = p.pool.AcquireTimeout(p.config.PoolWait)
	}
	if !ok {
		// pool esgotado: backpressure vira descarte contado, nunca bloqueio
		p.aggregator.IncBatchDroppedPool()
		p.aggregator.AddDroppedPool(uint64(len(p.open.records)))
		p.logger.WithField("records", len(p.open.records)).Warn("Buffer pool exhausted, dropping batch")
		return
	}

	b := dispatch.GetBatch()
	b.ID = uuid.NewString()

	dst := buf.B
	for i := range p.open.records {
		out, err := p.encoder.AppendRecord(dst, &p.open.records[i])
		if err != nil {
			p.aggregator.IncSerializeFailure()
			continue
		}
		dst = out
		b.EnqueuedAt = append(b.EnqueuedAt, p.open.enqueued[i])
	}
	buf.B = dst

	if len(b.EnqueuedAt) == 0 {
		// todos os registros falharam na serialização
		p.pool.Release(buf)
		dispatch.PutBatch(b)
		return
	}

	b.Buf = buf
	b.Records = len(b.EnqueuedAt)
	b.ClosedAt = time.Now()
	p.dispatcher.Enqueue(b)
}

// drain esvazia o ring e fecha o lote aberto durante o shutdown.
func (p *Pipeline) drain() {
	p.pump()
	if len(p.open.records) > 0 {
		p.closeBatch()
	}
}

// Shutdown para a ingestão, drena o ring e o lote aberto, e então drena o
// dispatcher dentro do prazo do contexto.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if !p.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	p.logger.Info("Shutting down pipeline")
	p.accepting.Store(false)
	close(p.stopCh)

	select {
	case <-p.done:
	case <-ctx.Done():
		return fmt.Errorf("pipeline drain timed out: %w", ctx.Err())
	}

	return p.dispatcher.Stop(ctx)
}
