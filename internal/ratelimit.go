package internal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// errUnavailable simulates an unreachable counter store in tests.
var errUnavailable = errors.New("store unavailable")

// counter is the atomic shared counter a Limiter counts requests with. Incr
// must be atomic across concurrent callers; this is the only hard
// concurrency invariant in the system.
type counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	ExpireAfter(ctx context.Context, key string, ttl time.Duration) error
}

// RateResult is a rate limiting decision.
type RateResult struct {
	Allowed   bool
	Remaining int
	// Reset is the time until the current window rolls over. Zero when the
	// limiter is disabled or degraded.
	Reset time.Duration
}

// unlimited is the sentinel returned when the limiter fails open.
func unlimited(limit int) RateResult {
	return RateResult{Allowed: true, Remaining: limit}
}

// Limiter counts requests per (caller, endpoint) in fixed windows backed by
// a shared counter store. It fails open: if the store is unreachable or the
// limiter is disabled (non-production environments), requests are allowed
// and reported as unlimited. Availability wins over strict enforcement.
type Limiter struct {
	counter counter
	enabled bool
	metrics *limiterMetrics

	now func() time.Time // Injectable for tests.
}

// NewLimiter creates a limiter over the given counter store. A nil counter
// or enabled=false yields a limiter that always allows.
func NewLimiter(counter counter, enabled bool, reg *prometheus.Registry) *Limiter {
	return &Limiter{
		counter: counter,
		enabled: enabled,
		metrics: newLimiterMetrics(reg),
		now:     time.Now,
	}
}

// Allow records one request for key and decides whether it fits the budget
// of limit requests per window. Window counters self-clean: the first
// increment in a window schedules the counter to expire at the window
// boundary.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) RateResult {
	if !l.enabled || l.counter == nil {
		return unlimited(limit)
	}

	now := l.now().Unix()
	windowSecs := int64(window / time.Second)
	windowID := now / windowSecs
	windowKey := rateKey(key, windowID)

	count, err := l.counter.Incr(ctx, windowKey)
	if err != nil {
		// Degraded: never block traffic on a broken store.
		Log(ctx).Warn("rate limit store unavailable", "key", key, "err", err)
		l.metrics.degradedInc()
		return unlimited(limit)
	}
	if count == 1 {
		if err := l.counter.ExpireAfter(ctx, windowKey, window); err != nil {
			Log(ctx).Warn("problem expiring rate window", "key", windowKey, "err", err)
		}
	}

	result := RateResult{
		Allowed:   count <= int64(limit),
		Remaining: max(0, limit-int(count)),
		Reset:     time.Duration((windowID+1)*windowSecs-now) * time.Second,
	}
	if result.Allowed {
		l.metrics.allowedInc()
	} else {
		l.metrics.limitedInc()
	}
	return result
}

func rateKey(key string, windowID int64) string {
	return "ratelimit:" + key + ":" + itoa(windowID)
}

func itoa(n int64) string {
	// Avoids fmt in the hot path.
	if n == 0 {
		return "0"
	}
	buf := [20]byte{}
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// memcounter is an in-process counter for tests.
type memcounter struct {
	mu sync.Mutex
	m  map[string]int64

	failing bool // Simulates an unreachable store.
}

func newMemcounter() *memcounter {
	return &memcounter{m: map[string]int64{}}
}

func (c *memcounter) Incr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return 0, errUnavailable
	}
	c.m[key]++
	return c.m[key], nil
}

func (c *memcounter) ExpireAfter(context.Context, string, time.Duration) error {
	return nil
}
