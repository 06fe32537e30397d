package retrypolicy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lessonkit/pkg/classify"
	"lessonkit/pkg/logger"
)

func newTestArbiter(t *testing.T) *Arbiter {
	t.Helper()
	return NewArbiter(NewBudget(100, 500), Options{RetryUnknown: true}, logger.Get())
}

func TestShouldRetryNetworkError(t *testing.T) {
	a := newTestArbiter(t)

	retry, delay := a.ShouldRetry("task-1", "Network timeout", 0)
	require.True(t, retry)

	// base 2s, jitter 0.2 symmetric
	assert.GreaterOrEqual(t, delay, 1600*time.Millisecond)
	assert.LessOrEqual(t, delay, 2400*time.Millisecond)

	history := a.History("task-1")
	require.Len(t, history, 1)
	assert.Equal(t, classify.NetworkError, history[0].Class)
	assert.Equal(t, 1, history[0].AttemptNumber)
}

func TestShouldRetryRejectsTerminalClasses(t *testing.T) {
	a := newTestArbiter(t)

	retry, _ := a.ShouldRetry("task-1", "invalid API key", 0)
	assert.False(t, retry)

	retry, _ = a.ShouldRetry("task-1", "quota exceeded for project", 0)
	assert.False(t, retry)

	retry, _ = a.ShouldRetry("task-1", "task deadline exceeded after 360s", 0)
	assert.False(t, retry)

	assert.Empty(t, a.History("task-1"))
}

func TestShouldRetryAttemptCap(t *testing.T) {
	a := newTestArbiter(t)

	// NetworkError allows 5 attempts
	retry, _ := a.ShouldRetry("task-1", "connection refused", 4)
	assert.True(t, retry)
	retry, _ = a.ShouldRetry("task-1", "connection refused", 5)
	assert.False(t, retry)

	// Unknown allows 2
	retry, _ = a.ShouldRetry("task-2", "mystery failure", 1)
	assert.True(t, retry)
	retry, _ = a.ShouldRetry("task-2", "mystery failure", 2)
	assert.False(t, retry)
}

func TestUnknownRetryConfigurable(t *testing.T) {
	a := NewArbiter(NewBudget(100, 500), Options{RetryUnknown: false}, logger.Get())
	retry, _ := a.ShouldRetry("task-1", "mystery failure", 0)
	assert.False(t, retry)
}

func TestShouldRetryBudgetExhaustion(t *testing.T) {
	a := NewArbiter(NewBudget(2, 500), Options{RetryUnknown: true}, logger.Get())

	retry, _ := a.ShouldRetry("task-1", "connection refused", 0)
	assert.True(t, retry)
	retry, _ = a.ShouldRetry("task-2", "connection refused", 0)
	assert.True(t, retry)
	retry, _ = a.ShouldRetry("task-3", "connection refused", 0)
	assert.False(t, retry, "hourly budget spent")
}

func TestRetryAfterHintOverridesBackoff(t *testing.T) {
	a := newTestArbiter(t)

	retry, delay := a.ShouldRetry("task-1", "429 rate limit exceeded, 'retryDelay': '30s'", 0)
	require.True(t, retry)
	assert.Equal(t, 30*time.Second, delay)
}

func TestDelayGrowthWithinJitter(t *testing.T) {
	a := newTestArbiter(t)

	var delays []time.Duration
	for attempt := 0; attempt < 4; attempt++ {
		retry, delay := a.ShouldRetry("task-1", "connection reset by peer", attempt)
		require.True(t, retry)
		delays = append(delays, delay)
	}

	// base 2s, exp 1.5, jitter 0.2: envelope of attempt n is
	// [0.8, 1.2] * 2 * 1.5^n seconds
	for i, d := range delays {
		expected := 2.0 * pow(1.5, i)
		assert.InDelta(t, expected, d.Seconds(), expected*0.2, "attempt %d", i)
	}
}

func TestMarkSuccessAndStats(t *testing.T) {
	a := newTestArbiter(t)

	retry, _ := a.ShouldRetry("task-1", "connection refused", 0)
	require.True(t, retry)
	a.MarkSuccess("task-1")

	retry, _ = a.ShouldRetry("task-2", "internal server error", 0)
	require.True(t, retry)
	a.MarkFailure("task-2")

	stats := a.Stats()
	assert.Equal(t, 2, stats.TotalRetries)
	assert.Equal(t, 1, stats.SuccessfulRetries)
	assert.Equal(t, 1, stats.FailedRetries)
	assert.Equal(t, 1, stats.ByClass[classify.NetworkError])
	assert.Equal(t, 1, stats.ByClass[classify.ServerError])
	assert.Equal(t, 98, stats.HourRemaining)

	history := a.History("task-1")
	require.Len(t, history, 1)
	assert.True(t, history[0].Succeeded)
}

func TestHistoryTruncatesLongMessages(t *testing.T) {
	a := newTestArbiter(t)

	long := "connection refused "
	for len(long) < 500 {
		long += "x"
	}
	retry, _ := a.ShouldRetry("task-1", long, 0)
	require.True(t, retry)

	history := a.History("task-1")
	require.Len(t, history, 1)
	assert.Len(t, history[0].Message, 200)
}

func TestCleanupHistory(t *testing.T) {
	a := newTestArbiter(t)

	retry, _ := a.ShouldRetry("task-1", "connection refused", 0)
	require.True(t, retry)
	retry, _ = a.ShouldRetry("task-2", "connection refused", 0)
	require.True(t, retry)

	assert.Equal(t, 0, a.CleanupHistory(time.Hour))
	require.Len(t, a.History("task-1"), 1)

	removed := a.CleanupHistory(0)
	assert.Equal(t, 2, removed)
	assert.Empty(t, a.History("task-1"))
	assert.Empty(t, a.History("task-2"))
}

func TestConcurrentShouldRetry(t *testing.T) {
	a := NewArbiter(NewBudget(1000, 5000), Options{RetryUnknown: true}, logger.Get())

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(worker int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 20; j++ {
				taskID := fmt.Sprintf("w%d-t%d", worker, j)
				a.ShouldRetry(taskID, "connection refused", 0)
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	stats := a.Stats()
	assert.Equal(t, 160, stats.TotalRetries)
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
