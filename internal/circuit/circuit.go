// Package circuit implements a per-host circuit breaker for outbound
// federation deliveries.
package circuit

import (
	"sync"
	"time"
)

// HostState is the observable breaker state for one remote host.
type HostState struct {
	FailureCount int
	// OpensUntil is set while the circuit is open.
	OpensUntil *time.Time
}

type hostEntry struct {
	mu            sync.Mutex
	failureCount  int
	opensUntil    time.Time
	probing       bool
	probeDeadline time.Time
}

// Breaker counts consecutive delivery failures per host. Reaching the
// threshold opens the circuit for resetTimeout; afterwards a single
// half-open probe is allowed and its outcome closes or reopens the circuit.
type Breaker struct {
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time

	mu    sync.RWMutex
	hosts map[string]*hostEntry
}

// New creates a breaker. threshold <= 0 defaults to 5; resetTimeout <= 0
// defaults to 60s.
func New(threshold int, resetTimeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 60 * time.Second
	}
	return &Breaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
		hosts:        make(map[string]*hostEntry),
	}
}

// SetClock replaces the time source. Call before first use.
func (b *Breaker) SetClock(now func() time.Time) {
	b.now = now
}

func (b *Breaker) entry(host string) *hostEntry {
	b.mu.RLock()
	e, ok := b.hosts[host]
	b.mu.RUnlock()
	if ok {
		return e
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok = b.hosts[host]; ok {
		return e
	}
	e = &hostEntry{}
	b.hosts[host] = e
	return e
}

// IsAllowed reports whether a delivery to host may proceed. While open it
// returns false; once the reset timeout has elapsed it grants exactly one
// half-open probe until RecordSuccess or RecordFailure resolves it. A probe
// abandoned for longer than the reset timeout is re-armed.
func (b *Breaker) IsAllowed(host string) bool {
	e := b.entry(host)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failureCount < b.threshold {
		return true
	}

	now := b.now()
	if now.Before(e.opensUntil) {
		return false
	}
	if e.probing && now.Before(e.probeDeadline) {
		return false
	}

	e.probing = true
	e.probeDeadline = now.Add(b.resetTimeout)
	return true
}

// RecordSuccess resets the host's failure count and closes the circuit.
func (b *Breaker) RecordSuccess(host string) {
	e := b.entry(host)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failureCount = 0
	e.opensUntil = time.Time{}
	e.probing = false
}

// RecordFailure counts a failure. A failed half-open probe reopens the
// circuit immediately; otherwise the count opens it on reaching the
// threshold.
func (b *Breaker) RecordFailure(host string) {
	e := b.entry(host)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.probing {
		e.probing = false
		e.opensUntil = b.now().Add(b.resetTimeout)
		return
	}

	e.failureCount++
	if e.failureCount >= b.threshold {
		e.opensUntil = b.now().Add(b.resetTimeout)
	}
}

// OpensUntil returns the reset time for an open circuit, or the zero time.
func (b *Breaker) OpensUntil(host string) time.Time {
	e := b.entry(host)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failureCount >= b.threshold && b.now().Before(e.opensUntil) {
		return e.opensUntil
	}
	return time.Time{}
}

// Snapshot returns the observable state of every tracked host.
func (b *Breaker) Snapshot() map[string]HostState {
	b.mu.RLock()
	hosts := make([]string, 0, len(b.hosts))
	entries := make([]*hostEntry, 0, len(b.hosts))
	for host, e := range b.hosts {
		hosts = append(hosts, host)
		entries = append(entries, e)
	}
	b.mu.RUnlock()

	out := make(map[string]HostState, len(hosts))
	now := b.now()
	for i, e := range entries {
		e.mu.Lock()
		state := HostState{FailureCount: e.failureCount}
		if e.failureCount >= b.threshold && now.Before(e.opensUntil) {
			until := e.opensUntil
			state.OpensUntil = &until
		}
		e.mu.Unlock()
		out[hosts[i]] = state
	}
	return out
}
