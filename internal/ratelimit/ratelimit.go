// Package ratelimit implements the per-remote-host request budget for the
// inbox server.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count     int
	resetTime time.Time
}

// HostLimiter grants each remote host a fixed number of requests per minute.
// State per host is (count, resetTime); stale windows are swept every minute.
type HostLimiter struct {
	perMinute int
	now       func() time.Time

	mu    sync.Mutex
	hosts map[string]*window
}

// New creates a limiter allowing perMinute requests per host per minute.
func New(perMinute int) *HostLimiter {
	if perMinute <= 0 {
		perMinute = 100
	}
	return &HostLimiter{
		perMinute: perMinute,
		now:       time.Now,
		hosts:     make(map[string]*window),
	}
}

// SetClock replaces the time source. Call before first use.
func (l *HostLimiter) SetClock(now func() time.Time) {
	l.now = now
}

// Allow consumes one token for host. When the budget is exhausted it returns
// false together with the time remaining until the window resets.
func (l *HostLimiter) Allow(host string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.hosts[host]
	if !ok || now.After(w.resetTime) {
		l.hosts[host] = &window{count: 1, resetTime: now.Add(time.Minute)}
		return true, 0
	}

	if w.count >= l.perMinute {
		return false, w.resetTime.Sub(now)
	}
	w.count++
	return true, 0
}

// Sweep removes windows that have already reset.
func (l *HostLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for host, w := range l.hosts {
		if now.After(w.resetTime) {
			delete(l.hosts, host)
			removed++
		}
	}
	return removed
}

// Run sweeps every minute until the context is canceled.
func (l *HostLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// TrackedHosts reports how many hosts currently hold a window.
func (l *HostLimiter) TrackedHosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hosts)
}
