package circuit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrOpen é retornado sem executar a função quando o circuito está aberto.
var ErrOpen = errors.New("circuit breaker open")

// State do circuit breaker
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerConfig configuração do circuit breaker
type BreakerConfig struct {
	Name             string
	FailureThreshold int           // Falhas consecutivas para abrir
	SuccessThreshold int           // Sucessos para fechar
	Timeout          time.Duration // Tempo no estado aberto
	HalfOpenMaxCalls int
}

// Stats estatísticas do circuit breaker
type Stats struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Failures    int64     `json:"failures"`
	Successes   int64     `json:"successes"`
	Requests    int64     `json:"requests"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	NextRetry   time.Time `json:"next_retry,omitempty"`
}

// Breaker protege o sink contra tempestades de falha. A execução é dividida
// em pré-verificação (com lock), execução (sem lock) e pós-registro (com
// lock) para não serializar chamadas ao sink.
type Breaker struct {
	config BreakerConfig
	logger *logrus.Logger

	state       State
	failures    int64
	successes   int64
	requests    int64
	lastFailure time.Time
	nextRetry   time.Time

	halfOpenCalls     int
	halfOpenSuccesses int

	onStateChange func(from, to State)

	mu sync.Mutex
}

// NewBreaker cria um novo circuit breaker
func NewBreaker(config BreakerConfig, logger *logrus.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 3
	}

	return &Breaker{
		config: config,
		logger: logger,
		state:  StateClosed,
	}
}

// Execute executa fn com proteção do circuit breaker.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	b.requests++

	if b.state == StateOpen {
		if time.Now().Before(b.nextRetry) {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrOpen, b.config.Name)
		}
		b.setState(StateHalfOpen)
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
	}

	if b.state == StateHalfOpen {
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s (half-open saturated)", ErrOpen, b.config.Name)
		}
		b.halfOpenCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.lastFailure = time.Now()

		// em half-open qualquer falha reabre na hora
		if b.state == StateHalfOpen || b.failures >= int64(b.config.FailureThreshold) {
			b.trip()
		}
		return err
	}

	b.successes++
	switch b.state {
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.SuccessThreshold {
			b.setState(StateClosed)
			b.failures = 0
			b.nextRetry = time.Time{}
		}
	case StateClosed:
		if b.failures > 0 {
			b.failures--
		}
	}
	return nil
}

// trip abre o circuito; chamador segura o lock.
func (b *Breaker) trip() {
	if b.state == StateOpen {
		return
	}
	b.setState(StateOpen)
	b.nextRetry = time.Now().Add(b.config.Timeout)

	b.logger.WithFields(logrus.Fields{
		"breaker":    b.config.Name,
		"failures":   b.failures,
		"next_retry": b.nextRetry,
	}).Warn("Circuit breaker opened")
}

func (b *Breaker) setState(newState State) {
	if b.state == newState {
		return
	}
	oldState := b.state
	b.state = newState

	if b.onStateChange != nil {
		b.onStateChange(oldState, newState)
	}

	b.logger.WithFields(logrus.Fields{
		"breaker":   b.config.Name,
		"old_state": oldState,
		"new_state": newState,
	}).Info("Circuit breaker state changed")
}

// State retorna o estado atual
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsOpen verifica se o circuito está aberto
func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// Reset força o fechamento do circuito
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.failures = 0
	b.halfOpenCalls = 0
	b.halfOpenSuccesses = 0
	b.nextRetry = time.Time{}
}

// GetStats retorna estatísticas do circuito
func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:        b.config.Name,
		State:       b.state,
		Failures:    b.failures,
		Successes:   b.successes,
		Requests:    b.requests,
		LastFailure: b.lastFailure,
		NextRetry:   b.nextRetry,
	}
}

// SetStateChangeCallback define callback para mudanças de estado
func (b *Breaker) SetStateChangeCallback(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}
