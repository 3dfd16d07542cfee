package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowWithinBudget(t *testing.T) {
	l := New(3)

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("remote.test")
		assert.True(t, ok, "request %d should be allowed", i+1)
	}

	ok, retryAfter := l.Allow("remote.test")
	assert.False(t, ok, "budget exhausted")
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestWindowResets(t *testing.T) {
	current := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := New(1)
	l.SetClock(func() time.Time { return current })

	ok, _ := l.Allow("remote.test")
	require.True(t, ok)
	ok, _ = l.Allow("remote.test")
	require.False(t, ok)

	current = current.Add(61 * time.Second)
	ok, _ = l.Allow("remote.test")
	assert.True(t, ok, "new window should grant again")
}

func TestHostsIndependent(t *testing.T) {
	l := New(1)

	ok, _ := l.Allow("a.test")
	require.True(t, ok)
	ok, _ = l.Allow("a.test")
	require.False(t, ok)

	ok, _ = l.Allow("b.test")
	assert.True(t, ok, "other hosts keep their own budget")
}

func TestSweepDropsExpiredWindows(t *testing.T) {
	current := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := New(10)
	l.SetClock(func() time.Time { return current })

	l.Allow("a.test")
	l.Allow("b.test")
	assert.Equal(t, 2, l.TrackedHosts())

	current = current.Add(2 * time.Minute)
	removed := l.Sweep()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, l.TrackedHosts())
}

func TestDefaultBudget(t *testing.T) {
	l := New(0)
	for i := 0; i < 100; i++ {
		ok, _ := l.Allow("remote.test")
		require.True(t, ok)
	}
	ok, _ := l.Allow("remote.test")
	assert.False(t, ok, "default budget is 100/min")
}
