// Package auth drives client authentication: the per-connection state
// machine, failure tracking with artificial delay and lockout, and the
// password, TOTP and WebAuthn verifiers.
package auth

import "time"

// State is the authentication phase of one connection.
type State int

const (
	StateUnauthenticated State = iota
	StateChallengeIssued
	StateAuthenticated
	StateLockedOut
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateChallengeIssued:
		return "challenge_issued"
	case StateAuthenticated:
		return "authenticated"
	case StateLockedOut:
		return "locked_out"
	default:
		return "unknown"
	}
}

// Policy bounds the failure handling for one connection.
type Policy struct {
	// MaxFailures locks the connection out when reached exactly.
	MaxFailures int
	// FreeFailures attempts are evaluated without artificial delay.
	FreeFailures int
	// LockoutWindow is how long a locked-out connection stays locked.
	LockoutWindow time.Duration
	// BaseDelay is the first artificial delay after FreeFailures.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
}

// DefaultPolicy mirrors the daemon defaults: 3 free attempts, delay
// doubling from 500ms to an 8s cap, lockout at 10 failures for 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxFailures:   10,
		FreeFailures:  3,
		LockoutWindow: 30 * time.Second,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      8 * time.Second,
	}
}

// Tracker counts consecutive failures for one connection. It is owned by
// that connection's actor and needs no locking.
type Tracker struct {
	policy      Policy
	failures    int
	lockedUntil time.Time
	now         func() time.Time
}

// NewTracker creates a tracker under policy.
func NewTracker(policy Policy) *Tracker {
	if policy.MaxFailures <= 0 {
		policy = DefaultPolicy()
	}
	return &Tracker{policy: policy, now: time.Now}
}

// WithClock overrides the tracker's time source, for tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Failures returns the consecutive failure count.
func (t *Tracker) Failures() int { return t.failures }

// LockedOut reports whether the lockout window is still open. An expired
// window clears the counter so the connection starts fresh.
func (t *Tracker) LockedOut() bool {
	if t.lockedUntil.IsZero() {
		return false
	}
	if t.now().Before(t.lockedUntil) {
		return true
	}
	t.lockedUntil = time.Time{}
	t.failures = 0
	return false
}

// RemainingLockout returns how long until the lockout window closes.
func (t *Tracker) RemainingLockout() time.Duration {
	if !t.LockedOut() {
		return 0
	}
	return t.lockedUntil.Sub(t.now())
}

// Delay returns the artificial pause to apply before evaluating the next
// attempt. Zero through the free attempts, then doubling from BaseDelay
// up to MaxDelay.
func (t *Tracker) Delay() time.Duration {
	if t.failures < t.policy.FreeFailures {
		return 0
	}
	delay := t.policy.BaseDelay
	for i := t.policy.FreeFailures; i < t.failures; i++ {
		delay *= 2
		if delay >= t.policy.MaxDelay {
			return t.policy.MaxDelay
		}
	}
	if delay > t.policy.MaxDelay {
		return t.policy.MaxDelay
	}
	return delay
}

// RecordFailure counts one failed attempt and reports whether it tripped
// the lockout. The lockout starts exactly at MaxFailures, not before.
func (t *Tracker) RecordFailure() bool {
	t.failures++
	if t.failures >= t.policy.MaxFailures {
		t.lockedUntil = t.now().Add(t.policy.LockoutWindow)
		return true
	}
	return false
}

// RecordSuccess clears the failure streak.
func (t *Tracker) RecordSuccess() {
	t.failures = 0
	t.lockedUntil = time.Time{}
}
