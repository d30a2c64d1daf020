package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/grantflow-data/grantflow/platform/internal/ratelimit"
)

func TestAllow_WithinBurst(t *testing.T) {
	l := ratelimit.New(ratelimit.Config{RequestsPerSecond: 1, Burst: 3, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := range 3 {
		res := l.Allow("10.0.0.1")
		assert.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, 3, res.Limit)
	}

	res := l.Allow("10.0.0.1")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.ResetMs, int64(0))
}

func TestAllow_KeysIsolated(t *testing.T) {
	l := ratelimit.New(ratelimit.Config{RequestsPerSecond: 1, Burst: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	assert.True(t, l.Allow("10.0.0.1").Allowed)
	assert.False(t, l.Allow("10.0.0.1").Allowed)
	// A different client still has its full bucket.
	assert.True(t, l.Allow("10.0.0.2").Allowed)
}

func TestAllow_Refills(t *testing.T) {
	l := ratelimit.New(ratelimit.Config{RequestsPerSecond: 100, Burst: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	assert.True(t, l.Allow("k").Allowed)
	assert.False(t, l.Allow("k").Allowed)

	// 100 tokens/s: one token is back within ~10ms.
	time.Sleep(30 * time.Millisecond)
	assert.True(t, l.Allow("k").Allowed)
}

func TestAllow_RemainingDecreases(t *testing.T) {
	l := ratelimit.New(ratelimit.Config{RequestsPerSecond: 0.001, Burst: 5, CleanupInterval: time.Minute})
	defer l.Stop()

	first := l.Allow("k")
	second := l.Allow("k")
	assert.Greater(t, first.Remaining, second.Remaining)
}

func TestStop_Idempotent(t *testing.T) {
	l := ratelimit.New(ratelimit.DefaultConfig())
	l.Stop()
	l.Stop() // second call must not panic
}
