package internal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterEnforcesBudget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewLimiter(newMemcounter(), true, nil)
	l.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	for i := range 5 {
		result := l.Allow(ctx, "1.2.3.4", 5, time.Minute)
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 4-i, result.Remaining)
	}

	result := l.Allow(ctx, "1.2.3.4", 5, time.Minute)
	assert.False(t, result.Allowed)
	assert.Zero(t, result.Remaining)
	assert.Positive(t, result.Reset)
	assert.LessOrEqual(t, result.Reset, time.Minute)
}

func TestLimiterWindowRollsOver(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	l := NewLimiter(newMemcounter(), true, nil)
	l.now = func() time.Time { return now }

	for range 3 {
		l.Allow(ctx, "1.2.3.4", 2, time.Minute)
	}
	assert.False(t, l.Allow(ctx, "1.2.3.4", 2, time.Minute).Allowed)

	// A new window starts a fresh count.
	now = now.Add(time.Minute)
	assert.True(t, l.Allow(ctx, "1.2.3.4", 2, time.Minute).Allowed)
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewLimiter(newMemcounter(), true, nil)
	l.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	assert.True(t, l.Allow(ctx, "1.2.3.4", 1, time.Minute).Allowed)
	assert.False(t, l.Allow(ctx, "1.2.3.4", 1, time.Minute).Allowed)
	assert.True(t, l.Allow(ctx, "5.6.7.8", 1, time.Minute).Allowed)
}

func TestLimiterFailsOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	counter := newMemcounter()
	counter.failing = true
	l := NewLimiter(counter, true, nil)

	// A broken store never rejects traffic.
	for range 10 {
		assert.True(t, l.Allow(ctx, "1.2.3.4", 1, time.Minute).Allowed)
	}
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewLimiter(newMemcounter(), false, nil)

	for range 10 {
		result := l.Allow(ctx, "1.2.3.4", 1, time.Minute)
		assert.True(t, result.Allowed)
		assert.Equal(t, 1, result.Remaining)
	}

	// No counter configured behaves the same.
	l = NewLimiter(nil, true, nil)
	assert.True(t, l.Allow(ctx, "1.2.3.4", 1, time.Minute).Allowed)
}