package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNonRetryable(t *testing.T) {
	base := errors.New("bad payload")
	err := NonRetryable(base)

	assert.True(t, IsNonRetryable(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsNonRetryable(base))
	assert.Nil(t, NonRetryable(nil))
}

func TestDeliveryFinal(t *testing.T) {
	assert.False(t, Delivery{Attempt: 1, MaxAttempts: 3}.Final())
	assert.False(t, Delivery{Attempt: 2, MaxAttempts: 3}.Final())
	assert.True(t, Delivery{Attempt: 3, MaxAttempts: 3}.Final())
}

func TestDecide(t *testing.T) {
	first := Delivery{Attempt: 1, MaxAttempts: 3}
	last := Delivery{Attempt: 3, MaxAttempts: 3}
	failure := errors.New("order not found")

	assert.Equal(t, OutcomeAck, Decide(nil, first))
	assert.Equal(t, OutcomeRetry, Decide(failure, first))
	assert.Equal(t, OutcomeDrop, Decide(failure, last))
	assert.Equal(t, OutcomeDrop, Decide(NonRetryable(failure), first))
	assert.Equal(t, OutcomeRelease, Decide(Interrupted(context.Canceled), last))
}

func TestInterrupted(t *testing.T) {
	err := Interrupted(fmt.Errorf("load order: %w", context.Canceled))

	assert.True(t, IsInterrupted(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsNonRetryable(err))
	assert.False(t, IsInterrupted(context.Canceled))
	assert.Nil(t, Interrupted(nil))
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	d1 := Backoff(base, max, 1)
	assert.GreaterOrEqual(t, d1, base)
	assert.Less(t, d1, base+base/4+1)

	d3 := Backoff(base, max, 3)
	assert.GreaterOrEqual(t, d3, 4*base)

	d10 := Backoff(base, max, 10)
	assert.GreaterOrEqual(t, d10, max)
	assert.LessOrEqual(t, d10, max+max/4)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 1024, cfg.Capacity)
	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Backoff)
}
