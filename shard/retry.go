package shard

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the attempts made for one shard query.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt; later waits double.
	BaseDelay time.Duration

	// MaxDelay caps a single wait.
	MaxDelay time.Duration

	// Jitter randomizes each wait by up to this fraction in either direction.
	Jitter float64
}

// DefaultRetryPolicy returns three attempts starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Jitter:      0.2,
	}
}

// RetryPhase is the state of a RetryState.
type RetryPhase int

const (
	// PhaseReady means an attempt may start.
	PhaseReady RetryPhase = iota
	// PhaseInFlight means an attempt is running.
	PhaseInFlight
	// PhaseBackingOff means the last attempt failed and a wait is due.
	PhaseBackingOff
	// PhaseSucceeded is terminal.
	PhaseSucceeded
	// PhaseExhausted is terminal: attempts used up or a non-retryable failure.
	PhaseExhausted
)

// RetryState tracks the attempts of one query. Transitions:
//
//	Ready -> InFlight            Begin
//	InFlight -> Succeeded        Succeeded
//	InFlight -> BackingOff       Failed(retryable) with attempts left
//	InFlight -> Exhausted        Failed(non-retryable) or no attempts left
//	BackingOff -> Ready          Resume
type RetryState struct {
	policy   RetryPolicy
	backoff  *backoff.ExponentialBackOff
	phase    RetryPhase
	attempts int
	delay    time.Duration
}

// NewRetryState starts the retry state machine for a policy.
func NewRetryState(policy RetryPolicy) *RetryState {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	if policy.Jitter < 0 {
		policy.Jitter = 0
	}
	if policy.Jitter > 1 {
		policy.Jitter = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.BaseDelay
	b.MaxInterval = policy.MaxDelay
	b.RandomizationFactor = policy.Jitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	return &RetryState{policy: policy, backoff: b, phase: PhaseReady}
}

// Phase returns the current phase.
func (r *RetryState) Phase() RetryPhase {
	return r.phase
}

// Attempts returns the number of attempts begun.
func (r *RetryState) Attempts() int {
	return r.attempts
}

// Delay returns the wait chosen by the last retryable failure.
func (r *RetryState) Delay() time.Duration {
	return r.delay
}

// Begin starts an attempt and returns its 1-based number.
func (r *RetryState) Begin() int {
	if r.phase != PhaseReady {
		panic("shard: RetryState.Begin called outside Ready phase")
	}
	r.phase = PhaseInFlight
	r.attempts++
	return r.attempts
}

// Succeeded ends the machine successfully.
func (r *RetryState) Succeeded() {
	r.phase = PhaseSucceeded
}

// Failed records a failed attempt. It returns the wait before the next attempt
// and true if one is allowed.
func (r *RetryState) Failed(retryable bool) (time.Duration, bool) {
	if !retryable || r.attempts >= r.policy.MaxAttempts {
		r.phase = PhaseExhausted
		return 0, false
	}

	delay := r.backoff.NextBackOff()
	if delay == backoff.Stop {
		r.phase = PhaseExhausted
		return 0, false
	}

	r.phase = PhaseBackingOff
	r.delay = delay
	return delay, true
}

// Resume moves from BackingOff to Ready once the wait is over.
func (r *RetryState) Resume() {
	if r.phase == PhaseBackingOff {
		r.phase = PhaseReady
	}
}
