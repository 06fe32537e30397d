package gemini

import (
	"sync"
	"time"

	"lessonkit/pkg/domain/errors"
)

// DefaultDailyRequestCap matches the free-tier request allowance.
const DefaultDailyRequestCap = 100

// QuotaCounter is the process-wide daily request counter. Every
// upload, status poll, and generate call consumes one unit.
type QuotaCounter struct {
	mu       sync.Mutex
	cap      int
	used     int
	dayStart time.Time
	now      func() time.Time
}

// NewQuotaCounter creates a counter with the given daily cap. A cap of
// zero or less falls back to the default.
func NewQuotaCounter(dailyCap int) *QuotaCounter {
	if dailyCap <= 0 {
		dailyCap = DefaultDailyRequestCap
	}
	return &QuotaCounter{
		cap:      dailyCap,
		dayStart: time.Now().UTC(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Take consumes one request unit, or fails fast with QuotaExhausted
// when the daily cap is spent.
func (q *QuotaCounter) Take() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.now().Sub(q.dayStart) >= 24*time.Hour {
		q.dayStart = q.now()
		q.used = 0
	}
	if q.used >= q.cap {
		return errors.Newf(errors.CodeQuotaExhausted, "gemini",
			"daily request quota exhausted (%d/%d)", q.used, q.cap)
	}
	q.used++
	return nil
}

// Used returns the units consumed in the current window.
func (q *QuotaCounter) Used() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used
}

// Remaining returns the units left in the current window.
func (q *QuotaCounter) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cap - q.used
}
