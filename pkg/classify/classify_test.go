package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		expected Class
	}{
		{"connection reset", "connection reset by peer", NetworkError},
		{"timeout", "Network timeout", NetworkError},
		{"dns", "DNS resolution failed for host", NetworkError},
		{"rate limit", "rate limit exceeded, slow down", RateLimit},
		{"429", "HTTP 429 returned by server", RateLimit},
		{"too many requests", "Too Many Requests", RateLimit},
		{"quota", "quota exceeded for project", QuotaExhausted},
		{"resource exhausted", "RESOURCE_EXHAUSTED: daily cap", QuotaExhausted},
		{"file missing", "no such file or directory", FileError},
		{"permission", "permission denied opening video", FileError},
		{"auth", "invalid API key provided", AuthError},
		{"401", "server responded 401", AuthError},
		{"server", "internal server error", ServerError},
		{"503", "503 service unavailable", ServerError},
		{"bad request", "bad request: missing field", ClientError},
		{"safety", "safety filter triggered on content", UpstreamDomainError},
		{"model", "model not available in region", UpstreamDomainError},
		{"task deadline", "task deadline exceeded after 360s", TimeoutError},
		{"unknown", "something inexplicable happened", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.message))
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	msg := "quota exceeded temporarily, retry later"
	first := Classify(msg)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Classify(msg))
	}
	// "temporarily" qualifies it as throttling, not a hard quota stop
	assert.Equal(t, RateLimit, first)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(NetworkError, false))
	assert.True(t, Retryable(RateLimit, false))
	assert.True(t, Retryable(ServerError, false))
	assert.False(t, Retryable(QuotaExhausted, false))
	assert.False(t, Retryable(AuthError, false))
	assert.False(t, Retryable(FileError, false))
	assert.False(t, Retryable(TimeoutError, true))

	assert.True(t, Retryable(Unknown, true))
	assert.False(t, Retryable(Unknown, false))
}

func TestPolicyFor(t *testing.T) {
	network := PolicyFor(NetworkError)
	assert.Equal(t, 5, network.MaxAttempts)
	assert.Equal(t, 2*time.Second, network.BaseDelay)
	assert.Equal(t, 30*time.Second, network.MaxDelay)
	assert.InDelta(t, 1.5, network.ExponentialBase, 1e-9)
	assert.InDelta(t, 0.2, network.JitterFactor, 1e-9)

	rate := PolicyFor(RateLimit)
	assert.Equal(t, 3, rate.MaxAttempts)
	assert.Equal(t, 10*time.Second, rate.BaseDelay)
	assert.Equal(t, 120*time.Second, rate.MaxDelay)

	assert.Equal(t, 4, PolicyFor(ServerError).MaxAttempts)
	assert.Equal(t, 2, PolicyFor(Unknown).MaxAttempts)

	assert.False(t, PolicyFor(AuthError).Retryable())
	assert.False(t, PolicyFor(QuotaExhausted).Retryable())
	assert.True(t, PolicyFor(NetworkError).Retryable())
}

func TestRetryAfter(t *testing.T) {
	d, ok := RetryAfter("429 quota exceeded, 'retryDelay': '30s'")
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	d, ok = RetryAfter("rate limit exceeded, retry in 15s")
	assert.True(t, ok)
	assert.Equal(t, 15*time.Second, d)

	_, ok = RetryAfter("connection refused")
	assert.False(t, ok)

	// bare "<N>s" is only trusted for throttling classes
	_, ok = RetryAfter("upload took 42s and then failed")
	assert.False(t, ok)
}
