// Package retry provides an explicit retry state machine with randomized
// exponential backoff. Callers drive the state directly instead of handing
// over a closure, so cancellation stays with the caller and the backoff
// schedule is independently testable.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy configures backoff behaviour and the escalation threshold.
type Policy struct {
	// MaxConsecutiveFailures is the number of consecutive failures after
	// which the caller should escalate instead of retrying.
	MaxConsecutiveFailures int
	InitialDelay           time.Duration
	MaxDelay               time.Duration
	Multiplier             float64
	// Jitter adds ±25% randomization to each delay to avoid retry stampedes.
	Jitter bool
}

// DefaultPolicy returns the policy used by the sampling client.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxConsecutiveFailures: 5,
		InitialDelay:           500 * time.Millisecond,
		MaxDelay:               10 * time.Second,
		Multiplier:             2.0,
		Jitter:                 true,
	}
}

func (p *Policy) normalize() {
	if p.MaxConsecutiveFailures <= 0 {
		p.MaxConsecutiveFailures = 5
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
}

// State tracks consecutive failures against a Policy.
type State struct {
	policy   Policy
	failures int
}

// New creates a retry state machine. A nil policy uses DefaultPolicy.
func New(policy *Policy) *State {
	if policy == nil {
		policy = DefaultPolicy()
	}
	p := *policy
	p.normalize()
	return &State{policy: p}
}

// Failure records one failed attempt and returns the updated count.
func (s *State) Failure() int {
	s.failures++
	return s.failures
}

// Reset clears the failure count after a successful attempt.
func (s *State) Reset() {
	s.failures = 0
}

// Failures returns the current consecutive-failure count.
func (s *State) Failures() int {
	return s.failures
}

// Exhausted reports whether the failure count has reached the escalation
// threshold.
func (s *State) Exhausted() bool {
	return s.failures >= s.policy.MaxConsecutiveFailures
}

// Delay returns the backoff duration for the current failure count:
// initial * multiplier^(failures-1), capped at MaxDelay, with optional
// ±25% jitter, never below InitialDelay.
func (s *State) Delay() time.Duration {
	if s.failures == 0 {
		return 0
	}
	delay := float64(s.policy.InitialDelay) * math.Pow(s.policy.Multiplier, float64(s.failures-1))
	if delay > float64(s.policy.MaxDelay) {
		delay = float64(s.policy.MaxDelay)
	}
	if s.policy.Jitter {
		jitter := delay * 0.25
		delay = delay + (rand.Float64()*2-1)*jitter
	}
	if delay < float64(s.policy.InitialDelay) {
		delay = float64(s.policy.InitialDelay)
	}
	return time.Duration(delay)
}

// Sleep waits for d or until ctx is cancelled, returning ctx.Err() in the
// latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
