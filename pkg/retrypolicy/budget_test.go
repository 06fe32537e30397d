package retrypolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBudgetCaps(t *testing.T) {
	b := NewBudget(2, 3)

	assert.True(t, b.CanRetry())
	b.Consume()
	assert.True(t, b.CanRetry())
	b.Consume()

	// hour cap reached
	assert.False(t, b.CanRetry())

	hour, day := b.Used()
	assert.Equal(t, 2, hour)
	assert.Equal(t, 2, day)
}

func TestBudgetHourRollover(t *testing.T) {
	b := NewBudget(1, 10)
	current := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return current }
	b.Reset()

	b.Consume()
	assert.False(t, b.CanRetry())

	current = current.Add(61 * time.Minute)
	assert.True(t, b.CanRetry())

	hour, day := b.Used()
	assert.Equal(t, 0, hour)
	assert.Equal(t, 1, day, "day counter survives the hour rollover")
}

func TestBudgetDayRollover(t *testing.T) {
	b := NewBudget(100, 2)
	current := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return current }
	b.Reset()

	b.Consume()
	b.Consume()
	assert.False(t, b.CanRetry())

	current = current.Add(25 * time.Hour)
	assert.True(t, b.CanRetry())

	hourLeft, dayLeft := b.Remaining()
	assert.Equal(t, 100, hourLeft)
	assert.Equal(t, 2, dayLeft)
}
