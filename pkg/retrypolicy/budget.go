package retrypolicy

import (
	"sync"
	"time"
)

// Budget caps the number of retries issued process-wide over two rolling
// horizons. Counters reset when their horizon rolls over.
type Budget struct {
	mu sync.Mutex

	maxPerHour int
	maxPerDay  int

	hourRetries int
	dayRetries  int
	hourStart   time.Time
	dayStart    time.Time

	now func() time.Time
}

// NewBudget creates a budget with the given per-hour and per-day caps.
func NewBudget(maxPerHour, maxPerDay int) *Budget {
	now := time.Now().UTC()
	return &Budget{
		maxPerHour: maxPerHour,
		maxPerDay:  maxPerDay,
		hourStart:  now,
		dayStart:   now,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CanRetry reports whether budget remains on both horizons, rolling the
// windows forward first.
func (b *Budget) CanRetry() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()
	return b.hourRetries < b.maxPerHour && b.dayRetries < b.maxPerDay
}

// Consume spends one retry on both horizons.
func (b *Budget) Consume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hourRetries++
	b.dayRetries++
}

// Remaining returns the retries left on the hour and day horizons.
func (b *Budget) Remaining() (hour, day int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()
	return b.maxPerHour - b.hourRetries, b.maxPerDay - b.dayRetries
}

// Used returns the retries consumed in the current hour and day windows.
func (b *Budget) Used() (hour, day int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()
	return b.hourRetries, b.dayRetries
}

// Reset restarts both windows. Intended for tests and administrative use.
func (b *Budget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.hourStart = now
	b.dayStart = now
	b.hourRetries = 0
	b.dayRetries = 0
}

// roll resets a window whose horizon has passed. Caller holds b.mu.
func (b *Budget) roll() {
	now := b.now()
	if now.Sub(b.hourStart) >= time.Hour {
		b.hourStart = now
		b.hourRetries = 0
	}
	if now.Sub(b.dayStart) >= 24*time.Hour {
		b.dayStart = now
		b.dayRetries = 0
	}
}
