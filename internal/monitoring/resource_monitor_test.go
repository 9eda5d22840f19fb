package monitoring

import (
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

func TestCollectFillsSample(t *testing.T) {
	rm := NewResourceMonitor(Config{Enabled: true}, testLogger())

	s := rm.collect()
	assert.Greater(t, s.Goroutines, 0)
	assert.False(t, s.Timestamp.IsZero())
	// primeira coleta não tem delta de CPU
	assert.Zero(t, s.CPUPercent)
}

func TestStartStopCollectsPeriodically(t *testing.T) {
	rm := NewResourceMonitor(Config{
		Enabled:  true,
		Interval: 10 * time.Millisecond,
	}, testLogger())

	require.NoError(t, rm.Start())
	defer rm.Stop()

	deadline := time.After(2 * time.Second)
	for rm.GetSample().Timestamp.IsZero() {
		select {
		case <-deadline:
			t.Fatal("no sample collected")
		case <-time.After(5 * time.Millisecond):
		}
	}

	require.NoError(t, rm.Stop())
}

func TestDisabledMonitorIsNoop(t *testing.T) {
	rm := NewResourceMonitor(Config{Enabled: false}, testLogger())
	require.NoError(t, rm.Start())
	require.NoError(t, rm.Stop())
	assert.True(t, rm.GetSample().Timestamp.IsZero())
}
