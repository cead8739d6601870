package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New(Config{ErrorsBeforePausing: 3, PauseDuration: time.Hour})

	b.OnError()
	b.OnError()
	require.False(t, b.IsOpen())

	b.OnError()
	assert.True(t, b.IsOpen())
}

func TestBreakerOnSuccessResetsCounter(t *testing.T) {
	b := New(Config{ErrorsBeforePausing: 3, PauseDuration: time.Hour})

	b.OnError()
	b.OnError()
	b.OnSuccess()
	b.OnError()
	b.OnError()

	assert.False(t, b.IsOpen(), "counter should have reset after OnSuccess")
}

func TestBreakerAutoCloses(t *testing.T) {
	b := New(Config{ErrorsBeforePausing: 1, PauseDuration: 10 * time.Millisecond})

	b.OnError()
	require.True(t, b.IsOpen())

	assert.Eventually(t, func() bool { return !b.IsOpen() }, time.Second, time.Millisecond)
	assert.Equal(t, 0, b.ConsecutiveErrors())
}

func TestBreakerZeroThresholdNeverOpens(t *testing.T) {
	b := New(Config{ErrorsBeforePausing: 0, PauseDuration: time.Hour})
	for i := 0; i < 100; i++ {
		b.OnError()
	}
	assert.False(t, b.IsOpen())
}

func TestBreakerStopCancelsTimer(t *testing.T) {
	b := New(Config{ErrorsBeforePausing: 1, PauseDuration: time.Hour})
	b.OnError()
	require.True(t, b.IsOpen())
	b.Stop()
	// Breaker remains open; Stop only prevents the scheduled auto-close
	// from firing after the test (and the process) move on.
	assert.True(t, b.IsOpen())
}
