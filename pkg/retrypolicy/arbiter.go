// Package retrypolicy decides whether a failed attempt may retry and
// how long to wait, under process-wide retry caps.
package retrypolicy

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lessonkit/pkg/classify"
)

// minDelay is the floor applied after jitter.
const minDelay = 100 * time.Millisecond

// Attempt is one recorded retry decision for a task.
type Attempt struct {
	AttemptNumber int
	Timestamp     time.Time
	Class         classify.Class
	Message       string
	Delay         time.Duration
	Succeeded     bool
}

// Statistics is a point-in-time snapshot of retry accounting.
type Statistics struct {
	TotalRetries      int
	SuccessfulRetries int
	FailedRetries     int
	ByClass           map[classify.Class]int
	HourRemaining     int
	DayRemaining      int
}

// Options tunes arbiter behavior.
type Options struct {
	// RetryUnknown permits the conservative retry of unclassifiable
	// errors. On by default.
	RetryUnknown bool
}

// Arbiter answers the single question "retry or not, and after how
// long". Decisions are advisory; the caller owns the actual sleep.
// Safe for concurrent use by multiple workers.
type Arbiter struct {
	mu      sync.Mutex
	budget  *Budget
	history map[string][]Attempt
	opts    Options
	log     zerolog.Logger

	totalRetries      int
	successfulRetries int
	failedRetries     int
	byClass           map[classify.Class]int

	rand *rand.Rand
}

// NewArbiter creates an arbiter backed by the given budget.
func NewArbiter(budget *Budget, opts Options, log zerolog.Logger) *Arbiter {
	return &Arbiter{
		budget:  budget,
		history: make(map[string][]Attempt),
		opts:    opts,
		log:     log.With().Str("component", "retry").Logger(),
		byClass: make(map[classify.Class]int),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ShouldRetry decides whether the task may retry after the given error,
// and with what delay. currentAttempt counts completed attempts, zero
// based. Never returns an error: a "no" answer carries a zero delay.
func (a *Arbiter) ShouldRetry(taskID, errMessage string, currentAttempt int) (bool, time.Duration) {
	class := classify.Classify(errMessage)

	if !classify.Retryable(class, a.opts.RetryUnknown) {
		a.log.Debug().Str("task_id", taskID).Str("class", string(class)).Msg("error not retryable")
		return false, 0
	}

	policy := classify.PolicyFor(class)
	if currentAttempt >= policy.MaxAttempts {
		a.log.Debug().
			Str("task_id", taskID).
			Int("attempt", currentAttempt).
			Int("max_attempts", policy.MaxAttempts).
			Msg("attempt cap reached")
		return false, 0
	}

	if !a.budget.CanRetry() {
		a.log.Warn().Str("task_id", taskID).Msg("retry budget exhausted")
		return false, 0
	}

	delay := a.computeDelay(policy, currentAttempt)
	if hint, ok := classify.RetryAfter(errMessage); ok {
		delay = hint
	}

	a.mu.Lock()
	a.history[taskID] = append(a.history[taskID], Attempt{
		AttemptNumber: currentAttempt + 1,
		Timestamp:     time.Now().UTC(),
		Class:         class,
		Message:       truncate(errMessage, 200),
		Delay:         delay,
	})
	a.totalRetries++
	a.byClass[class]++
	a.mu.Unlock()

	a.budget.Consume()

	a.log.Info().
		Str("task_id", taskID).
		Str("class", string(class)).
		Int("attempt", currentAttempt+1).
		Dur("delay", delay).
		Msg("retry scheduled")

	return true, delay
}

// computeDelay applies exponential backoff with symmetric jitter.
func (a *Arbiter) computeDelay(policy classify.Policy, attempt int) time.Duration {
	exp := policy.BaseDelay.Seconds() * math.Pow(policy.ExponentialBase, float64(attempt))
	capped := math.Min(exp, policy.MaxDelay.Seconds())

	a.mu.Lock()
	jitter := capped * policy.JitterFactor * (a.rand.Float64()*2 - 1)
	a.mu.Unlock()

	delay := time.Duration((capped + jitter) * float64(time.Second))
	if delay < minDelay {
		delay = minDelay
	}
	return delay
}

// MarkSuccess flags the task's latest retry as having succeeded.
func (a *Arbiter) MarkSuccess(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	attempts := a.history[taskID]
	if len(attempts) > 0 {
		attempts[len(attempts)-1].Succeeded = true
		a.successfulRetries++
	}
}

// MarkFailure records that the task's retries did not save it.
func (a *Arbiter) MarkFailure(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failedRetries++
}

// CleanupHistory drops recorded attempts older than maxAge and returns
// how many were removed. Long-running processes call this between
// batches to keep the history bounded.
func (a *Arbiter) CleanupHistory(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for taskID, attempts := range a.history {
		kept := attempts[:0]
		for _, at := range attempts {
			if at.Timestamp.After(cutoff) {
				kept = append(kept, at)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(a.history, taskID)
		} else {
			a.history[taskID] = kept
		}
	}
	return removed
}

// History returns a copy of the task's retry history.
func (a *Arbiter) History(taskID string) []Attempt {
	a.mu.Lock()
	defer a.mu.Unlock()
	attempts := a.history[taskID]
	out := make([]Attempt, len(attempts))
	copy(out, attempts)
	return out
}

// Stats returns current retry accounting.
func (a *Arbiter) Stats() Statistics {
	a.mu.Lock()
	defer a.mu.Unlock()
	byClass := make(map[classify.Class]int, len(a.byClass))
	for k, v := range a.byClass {
		byClass[k] = v
	}
	hour, day := a.budget.Remaining()
	return Statistics{
		TotalRetries:      a.totalRetries,
		SuccessfulRetries: a.successfulRetries,
		FailedRetries:     a.failedRetries,
		ByClass:           byClass,
		HourRemaining:     hour,
		DayRemaining:      day,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
