package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestGateMinuteWindow(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	gate := NewGate(Config{RequestsPerMinute: 30, BurstLimit: 30}, clock)

	for i := 0; i < 30; i++ {
		require.True(t, gate.Allow(), "admission %d should pass", i)
		clock.advance(time.Second) // stay under the burst window
	}
	// 31st inside the same fixed window is rejected.
	require.False(t, gate.Allow())

	// Window resets 60s after it opened.
	clock.advance(time.Minute)
	require.True(t, gate.Allow())
}

func TestGateBurstWindow(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	gate := NewGate(Config{RequestsPerMinute: 100, BurstLimit: 5}, clock)

	for i := 0; i < 5; i++ {
		require.True(t, gate.Allow())
	}
	// 6th inside the rolling 10s window is rejected.
	require.False(t, gate.Allow())

	// The slots recover 10s after each admission.
	clock.advance(10 * time.Second)
	require.True(t, gate.Allow())
}

func TestGateRejectionConsumesNothing(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	gate := NewGate(Config{RequestsPerMinute: 100, BurstLimit: 2}, clock)

	require.True(t, gate.Allow())
	require.True(t, gate.Allow())
	for i := 0; i < 10; i++ {
		require.False(t, gate.Allow())
	}
	// Repeated rejections did not extend the burst occupancy.
	clock.advance(10 * time.Second)
	require.True(t, gate.Allow())
}

func TestGateWait(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	gate := NewGate(Config{RequestsPerMinute: 100, BurstLimit: 1}, clock)

	require.Zero(t, gate.Wait())
	require.True(t, gate.Allow())
	require.Equal(t, 10*time.Second, gate.Wait())

	clock.advance(4 * time.Second)
	require.Equal(t, 6*time.Second, gate.Wait())

	clock.advance(6 * time.Second)
	require.Zero(t, gate.Wait())
}

func TestGateDefaults(t *testing.T) {
	t.Parallel()

	gate := NewGate(Config{}, nil)
	require.Equal(t, 30, gate.cfg.RequestsPerMinute)
	require.Equal(t, 5, gate.cfg.BurstLimit)
	require.True(t, gate.Allow())
}
