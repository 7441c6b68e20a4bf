package inference

import "time"

// CircuitState is the breaker state. Open implies ResetAt is set.
type CircuitState struct {
	FailureCount int
	Open         bool
	ResetAt      time.Time
}

// breaker counts consecutive terminal failures and opens for a fixed
// window once maxFailures is reached. Callers hold Client.mu.
type breaker struct {
	state       CircuitState
	maxFailures int
	window      time.Duration
}

// allow reports whether a call may proceed. An open circuit whose window
// has passed is closed and its count reset in the same step; reset tells
// the caller that happened.
func (b *breaker) allow(now time.Time) (ok, reset bool) {
	if !b.state.Open {
		return true, false
	}
	if now.After(b.state.ResetAt) {
		b.state = CircuitState{}
		return true, true
	}
	return false, false
}

// success clears the failure count.
func (b *breaker) success() {
	b.state = CircuitState{}
}

// failure records one terminal failure and reports whether it opened the circuit.
func (b *breaker) failure(now time.Time) (opened bool) {
	b.state.FailureCount++
	if b.state.Open || b.maxFailures <= 0 || b.state.FailureCount < b.maxFailures {
		return false
	}
	b.state.Open = true
	b.state.ResetAt = now.Add(b.window)
	return true
}
