package circuit

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

var errSink = errors.New("sink unavailable")

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 3, Timeout: time.Minute}, testLogger())

	for i := 0; i < 3; i++ {
		err := b.Execute(func() error { return errSink })
		require.ErrorIs(t, err, errSink)
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(func() error {
		t.Fatal("must not execute while open")
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Millisecond,
	}, testLogger())

	require.Error(t, b.Execute(func() error { return errSink }))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)

	// two successes in half-open close the circuit
	require.NoError(t, b.Execute(func() error { return nil }))
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		Timeout:          10 * time.Millisecond,
	}, testLogger())

	require.Error(t, b.Execute(func() error { return errSink }))
	time.Sleep(20 * time.Millisecond)

	require.Error(t, b.Execute(func() error { return errSink }))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerSuccessDecaysFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 3}, testLogger())

	require.Error(t, b.Execute(func() error { return errSink }))
	require.Error(t, b.Execute(func() error { return errSink }))
	require.NoError(t, b.Execute(func() error { return nil }))
	require.Error(t, b.Execute(func() error { return errSink }))

	// 2 failures, 1 decayed, 1 more: still under threshold
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 1, Timeout: time.Hour}, testLogger())

	require.Error(t, b.Execute(func() error { return errSink }))
	require.True(t, b.IsOpen())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Execute(func() error { return nil }))
}

func TestBreakerStateChangeCallback(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 1, Timeout: time.Hour}, testLogger())

	var transitions []State
	b.SetStateChangeCallback(func(_, to State) {
		transitions = append(transitions, to)
	})

	require.Error(t, b.Execute(func() error { return errSink }))
	b.Reset()

	assert.Equal(t, []State{StateOpen, StateClosed}, transitions)
}
