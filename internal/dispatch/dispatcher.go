// Package dispatch delivers closed batches to the configured sink.
//
// The dispatcher owns everything past the accumulator: payload compression,
// the circuit breaker around the sink, bounded retry with exponential
// backoff, and the acknowledgment path that records delivery latency and
// recycles buffers. First attempts run in close order on a single send
// loop; retries run out of line on their own goroutines, capped by a
// semaphore so a flapping sink cannot pile up work.
package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tickframe/logpipe/pkg/bufpool"
	"github.com/tickframe/logpipe/pkg/circuit"
	"github.com/tickframe/logpipe/pkg/compression"
	"github.com/tickframe/logpipe/pkg/errors"
	"github.com/tickframe/logpipe/pkg/stats"
	"github.com/tickframe/logpipe/pkg/types"
)

// Config parâmetros do dispatcher
type Config struct {
	QueueSize            int
	MaxRetries           int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	SendTimeout          time.Duration
	MaxConcurrentRetries int

	Breaker circuit.BreakerConfig
}

// Dispatcher envia lotes fechados para o sink com retry limitado.
type Dispatcher struct {
	config     Config
	logger     *logrus.Logger
	sink       types.Sink
	pool       *bufpool.Pool
	aggregator *stats.Aggregator
	compressor *compression.Compressor
	breaker    *circuit.Breaker
	tracer     trace.Tracer

	queue    chan *Batch
	retrySem chan struct{}

	// stopCh starts the graceful drain; ctx is only canceled when the
	// grace period runs out and pending retries must be abandoned.
	stopCh    chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mutex     sync.Mutex
}

// NewDispatcher cria um dispatcher. tracer pode ser nil.
func NewDispatcher(
	config Config,
	sink types.Sink,
	pool *bufpool.Pool,
	aggregator *stats.Aggregator,
	compressor *compression.Compressor,
	logger *logrus.Logger,
	tracer trace.Tracer,
) *Dispatcher {
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = 100 * time.Millisecond
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = 5 * time.Second
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 10 * time.Second
	}
	if config.MaxConcurrentRetries <= 0 {
		config.MaxConcurrentRetries = 8
	}
	if config.Breaker.Name == "" {
		config.Breaker.Name = sink.Name()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		config:     config,
		logger:     logger,
		sink:       sink,
		pool:       pool,
		aggregator: aggregator,
		compressor: compressor,
		breaker:    circuit.NewBreaker(config.Breaker, logger),
		tracer:     tracer,
		queue:      make(chan *Batch, config.QueueSize),
		retrySem:   make(chan struct{}, config.MaxConcurrentRetries),
		stopCh:     make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start inicia o send loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.isRunning {
		return fmt.Errorf("dispatcher already running")
	}
	d.isRunning = true

	d.logger.WithFields(logrus.Fields{
		"sink":        d.sink.Name(),
		"queue_size":  d.config.QueueSize,
		"max_retries": d.config.MaxRetries,
	}).Info("Starting dispatcher")

	d.wg.Add(1)
	go d.sendLoop()
	return nil
}

// Enqueue entrega um lote fechado para envio. Nunca bloqueia: com a fila
// cheia o lote é descartado e contabilizado.
func (d *Dispatcher) Enqueue(b *Batch) bool {
	select {
	case d.queue <- b:
		return true
	default:
		d.aggregator.IncBatchDroppedQueue()
		d.aggregator.AddRecordsFailed(uint64(b.Records))
		d.logger.WithFields(logrus.Fields{
			"batch_id": b.ID,
			"records":  b.Records,
		}).Warn("Dispatch queue full, dropping batch")
		d.discard(b)
		return false
	}
}

// QueueUtilization fração ocupada da fila de despacho.
func (d *Dispatcher) QueueUtilization() float64 {
	return float64(len(d.queue)) / float64(cap(d.queue))
}

// BreakerStats expõe o estado do circuit breaker.
func (d *Dispatcher) BreakerStats() circuit.Stats {
	return d.breaker.GetStats()
}

func (d *Dispatcher) sendLoop() {
	defer d.wg.Done()
	d.logger.Info("Dispatcher send loop started")

	for {
		select {
		case <-d.stopCh:
			d.drainQueue()
			d.logger.Info("Dispatcher send loop stopped")
			return
		case b := <-d.queue:
			d.send(b)
		}
	}
}

// drainQueue envia o que restou na fila após o cancelamento do contexto.
func (d *Dispatcher) drainQueue() {
	count := 0
	for {
		select {
		case b := <-d.queue:
			d.send(b)
			count++
		default:
			if count > 0 {
				d.logger.WithField("drained_batches", count).Info("Dispatch queue drained")
			}
			return
		}
	}
}

func (d *Dispatcher) send(b *Batch) {
	if b.Attempts == 0 {
		if !d.preparePayload(b) {
			return
		}
	}
	b.Attempts++

	var span trace.Span
	if d.tracer != nil {
		_, span = d.tracer.Start(d.ctx, "dispatch.send",
			trace.WithAttributes(
				attribute.String("batch.id", b.ID),
				attribute.Int("batch.records", b.Records),
				attribute.Int("batch.bytes", len(b.payload)),
				attribute.String("sink", d.sink.Name()),
				attribute.Int("attempt", b.Attempts),
			))
	}

	err := d.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(d.ctx, d.config.SendTimeout)
		defer cancel()
		return d.sink.Append(ctx, types.Payload{
			Data:     b.payload,
			Records:  b.Records,
			BatchID:  b.ID,
			Encoding: b.encoding,
		})
	})

	if span != nil {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}

	if err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"batch_id": b.ID,
			"attempt":  b.Attempts,
			"sink":     d.sink.Name(),
		}).Warn("Batch delivery failed")
		d.scheduleRetry(b, err)
		return
	}

	d.ack(b)
}

// preparePayload serializa já aconteceu; aqui só aplica compressão.
func (d *Dispatcher) preparePayload(b *Batch) bool {
	b.payload = b.Buf.B
	if d.compressor == nil {
		return true
	}

	res, err := d.compressor.Compress(b.Buf.B)
	if err != nil {
		// payload segue sem compressão; o sink ainda recebe NDJSON válido
		d.logger.WithError(err).WithField("batch_id", b.ID).Error("Payload compression failed")
		return true
	}
	if res.Algorithm != compression.AlgorithmNone {
		b.payload = res.Data
		b.encoding = string(res.Algorithm)
		// o payload comprimido vive em alocação própria, o buffer já pode voltar ao pool
		d.pool.Release(b.Buf)
		b.Buf = nil
	}
	return true
}

// ack registra o sucesso: latência por registro, contadores e reciclagem.
func (d *Dispatcher) ack(b *Batch) {
	now := time.Now().UnixNano()
	for _, enq := range b.EnqueuedAt {
		d.aggregator.ObserveDeliveryLatency(time.Duration(now - enq))
	}
	d.aggregator.BatchDispatched(b.Records, len(b.payload))
	d.discard(b)
}

// discard devolve buffer e batch aos pools.
func (d *Dispatcher) discard(b *Batch) {
	if b.Buf != nil {
		d.pool.Release(b.Buf)
		b.Buf = nil
	}
	PutBatch(b)
}

func (d *Dispatcher) fail(b *Batch, err error) {
	d.aggregator.IncPermanentFailure()
	d.aggregator.AddRecordsFailed(uint64(b.Records))

	appErr := errors.WrapError(err, "dispatch", "send", "batch failed permanently")
	switch {
	case stderrors.Is(err, circuit.ErrOpen):
		appErr.Code = errors.CodeCircuitOpen
	case b.Attempts > d.config.MaxRetries:
		appErr.Code = errors.CodeRetryExhausted
	}

	d.logger.WithFields(appErr.ToMap()).WithFields(logrus.Fields{
		"batch_id": b.ID,
		"records":  b.Records,
		"attempts": b.Attempts,
	}).Error("Batch failed permanently")
	d.discard(b)
}

// scheduleRetry agenda uma nova tentativa com backoff exponencial. O
// semáforo limita retries concorrentes; sem vaga o lote falha de vez para
// não explodir goroutines numa falha em cascata.
func (d *Dispatcher) scheduleRetry(b *Batch, err error) {
	if b.Attempts > d.config.MaxRetries {
		d.fail(b, err)
		return
	}

	delay := d.config.BackoffBase << (b.Attempts - 1)
	if delay > d.config.BackoffMax {
		delay = d.config.BackoffMax
	}

	select {
	case d.retrySem <- struct{}{}:
		d.aggregator.IncRetry()
		d.wg.Add(1)
		go d.retryWorker(b, delay)
	default:
		d.logger.WithFields(logrus.Fields{
			"batch_id":               b.ID,
			"max_concurrent_retries": d.config.MaxConcurrentRetries,
		}).Warn("Retry slots exhausted, failing batch")
		d.fail(b, fmt.Errorf("retry slots exhausted: %w", err))
	}
}

func (d *Dispatcher) retryWorker(b *Batch, delay time.Duration) {
	defer d.wg.Done()
	defer func() { <-d.retrySem }()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		d.send(b)
	case <-d.ctx.Done():
		d.fail(b, context.Canceled)
	}
}

// Stop drena a fila e espera retries em andamento até o limite do contexto.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mutex.Lock()
	if !d.isRunning {
		d.mutex.Unlock()
		return nil
	}
	d.isRunning = false
	d.mutex.Unlock()

	d.logger.Info("Stopping dispatcher")
	close(d.stopCh)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		// grace period over: abandon pending retries and in-flight sends
		d.cancel()
		<-done
		return fmt.Errorf("dispatcher drain timed out: %w", ctx.Err())
	}
}
