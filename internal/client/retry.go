package client

import "time"

// RetryPolicy holds the knobs of the reconnection budget. The retry window
// allows a limited number of connection attempts; exhausting it triggers a
// cooldown during which no attempts are made. Within budget, delays grow
// exponentially from Debounce up to MaxDelay, plus a fixed jitter term so a
// fleet of clients does not reconnect in lockstep.
type RetryPolicy struct {
	Debounce              time.Duration // base reconnect delay
	MaxDelay              time.Duration // cap on the exponential backoff
	Window                time.Duration // sliding attempt-counting window
	MaxAttempts           int           // attempts allowed per window
	Cooldown              time.Duration // quiet period after exceeding the budget
	Jitter                time.Duration // fixed jitter added to every delay
	MinConnectionDuration time.Duration // sessions shorter than this delay the retry
}

// DefaultRetryPolicy returns the production defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Debounce:              800 * time.Millisecond,
		MaxDelay:              10 * time.Second,
		Window:                60 * time.Second,
		MaxAttempts:           3,
		Cooldown:              30 * time.Second,
		Jitter:                1200 * time.Millisecond,
		MinConnectionDuration: 5 * time.Second,
	}
}

// RetryState is the mutable side of the budget. Its methods are pure state
// transitions driven by an explicit clock, so the budget logic is testable
// without timers.
type RetryState struct {
	Attempts      int
	WindowStart   time.Time
	InCooldown    bool
	CooldownStart time.Time
}

// NewRetryState returns a fresh budget starting its window at now.
func NewRetryState(now time.Time) RetryState {
	return RetryState{WindowStart: now}
}

// CanAttempt reports whether a connection attempt is allowed at now, updating
// the state: an expired window resets the attempt count, an exceeded budget
// enters cooldown, and an expired cooldown resets everything and allows the
// attempt immediately.
func (r *RetryState) CanAttempt(p RetryPolicy, now time.Time) bool {
	if r.InCooldown {
		if now.Sub(r.CooldownStart) < p.Cooldown {
			return false
		}
		*r = NewRetryState(now)
		return true
	}

	if now.Sub(r.WindowStart) > p.Window {
		r.Attempts = 0
		r.WindowStart = now
		return true
	}

	if r.Attempts >= p.MaxAttempts {
		r.InCooldown = true
		r.CooldownStart = now
		return false
	}

	return true
}

// RecordAttempt counts one connection attempt against the window.
func (r *RetryState) RecordAttempt() {
	r.Attempts++
}

// Reset clears the budget after a successful open.
func (r *RetryState) Reset(now time.Time) {
	*r = NewRetryState(now)
}

// CooldownRemaining returns how much cooldown is left at now, or zero.
func (r *RetryState) CooldownRemaining(p RetryPolicy, now time.Time) time.Duration {
	if !r.InCooldown {
		return 0
	}
	left := p.Cooldown - now.Sub(r.CooldownStart)
	if left < 0 {
		return 0
	}
	return left
}

// BackoffDelay returns the reconnect delay for the given attempt number
// (1-based): Debounce * 2^(attempt-1), capped at MaxDelay, plus jitter.
func (p RetryPolicy) BackoffDelay(attempt int) time.Duration {
	delay := p.Debounce
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay + p.Jitter
}

// ShortfallDelay returns how long to hold off before even evaluating a retry
// after a connection that lasted connDuration: the unmet remainder of the
// minimum connection duration plus jitter. This damps crash-reconnect storms
// against a consistently failing endpoint.
func (p RetryPolicy) ShortfallDelay(connDuration time.Duration) time.Duration {
	shortfall := p.MinConnectionDuration - connDuration
	if shortfall < 0 {
		shortfall = 0
	}
	return shortfall + p.Jitter
}
