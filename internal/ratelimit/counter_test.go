package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketBurstThenThrottle(t *testing.T) {
	t.Parallel()

	bucket := newTokenBucket(10, 5)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// The full burst is admitted back to back
	for i := 0; i < 5; i++ {
		admitted, _ := bucket.Allow(now)
		require.True(t, admitted, "request %d should fit in the burst", i+1)
	}

	admitted, retryAfter := bucket.Allow(now)
	assert.False(t, admitted)
	assert.Greater(t, retryAfter, time.Duration(0),
		"a throttled request should carry a retry-after hint")
}

func TestTokenBucketRefills(t *testing.T) {
	t.Parallel()

	bucket := newTokenBucket(10, 5)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		bucket.Allow(now)
	}
	admitted, _ := bucket.Allow(now)
	require.False(t, admitted)

	// At 10 rps one token is back after 100ms
	admitted, _ = bucket.Allow(now.Add(100 * time.Millisecond))
	assert.True(t, admitted)
}

func TestTokenBucketReset(t *testing.T) {
	t.Parallel()

	bucket := newTokenBucket(1, 2)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	bucket.Allow(now)
	bucket.Allow(now)
	admitted, _ := bucket.Allow(now)
	require.False(t, admitted)

	bucket.Reset()
	admitted, _ = bucket.Allow(now)
	assert.True(t, admitted)
}

func TestSlidingWindowNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	window := newSlidingWindow(100, time.Minute)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Spread 150 attempts over 30 seconds; exactly 100 land
	admitted := 0
	for i := 0; i < 150; i++ {
		now := start.Add(time.Duration(i) * 200 * time.Millisecond)
		if ok, _ := window.Allow(now); ok {
			admitted++
		}
	}
	assert.Equal(t, 100, admitted,
		"no trailing window may ever contain more than the limit")
}

func TestSlidingWindowRetryAfterIsOldestEntryExit(t *testing.T) {
	t.Parallel()

	window := newSlidingWindow(2, time.Minute)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	window.Allow(start)
	window.Allow(start.Add(10 * time.Second))

	admitted, retryAfter := window.Allow(start.Add(20 * time.Second))
	require.False(t, admitted)
	// The oldest entry leaves the window at start+60s, 40s from now
	assert.Equal(t, 40*time.Second, retryAfter)
}

func TestSlidingWindowExpiry(t *testing.T) {
	t.Parallel()

	window := newSlidingWindow(2, time.Minute)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	window.Allow(start)
	window.Allow(start)
	admitted, _ := window.Allow(start.Add(30 * time.Second))
	require.False(t, admitted)

	// Both entries have left the trailing window
	admitted, _ = window.Allow(start.Add(61 * time.Second))
	assert.True(t, admitted)
}

func TestLeakyBucketDrains(t *testing.T) {
	t.Parallel()

	bucket := newLeakyBucket(2, 4)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		admitted, _ := bucket.Allow(start)
		require.True(t, admitted, "request %d should fit in the bucket", i+1)
	}

	admitted, retryAfter := bucket.Allow(start)
	require.False(t, admitted)
	assert.Greater(t, retryAfter, time.Duration(0))

	// Two requests drain per second
	admitted, _ = bucket.Allow(start.Add(time.Second))
	assert.True(t, admitted)
}

func TestAdaptiveWindowScalesUnderLoad(t *testing.T) {
	t.Parallel()

	load := 0.0
	counter := newAdaptiveWindow(10, time.Minute, 0.8, func() float64 { return load })
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Below the threshold the full limit applies
	admitted := 0
	for i := 0; i < 10; i++ {
		if ok, _ := counter.Allow(start.Add(time.Duration(i) * time.Millisecond)); ok {
			admitted++
		}
	}
	require.Equal(t, 10, admitted)

	counter.Reset()

	// At 90% load the effective limit drops to limit*(1-0.9) = 1
	load = 0.9
	admitted = 0
	for i := 0; i < 10; i++ {
		if ok, _ := counter.Allow(start.Add(time.Duration(i) * time.Millisecond)); ok {
			admitted++
		}
	}
	assert.Equal(t, 1, admitted)
}

func TestAdaptiveWindowRestoresWhenLoadDrops(t *testing.T) {
	t.Parallel()

	load := 0.95
	counter := newAdaptiveWindow(10, time.Minute, 0.8, func() float64 { return load })
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	admitted, _ := counter.Allow(start)
	require.True(t, admitted)
	admitted, _ = counter.Allow(start.Add(time.Millisecond))
	require.False(t, admitted, "scaled limit of 1 is exhausted")

	// Load recedes; the base limit applies again within the same window
	load = 0.1
	admitted, _ = counter.Allow(start.Add(2 * time.Millisecond))
	assert.True(t, admitted)
}
