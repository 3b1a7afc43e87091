// Package retry implements the step retry policy and operator-initiated
// reprocessing with downstream checkpoint invalidation.
package retry

import (
	"math"
	"time"
)

// Policy is a capped exponential backoff with a hard attempt ceiling.
type Policy struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultPolicy matches the pipeline defaults: 1s, 2s, 4s ... capped at 60s,
// three attempts per step.
func DefaultPolicy() Policy {
	return Policy{Base: time.Second, Factor: 2, Cap: 60 * time.Second, MaxAttempts: 3}
}

// Delay returns the wait before the given attempt (1-based). Attempt 1 ran
// with no delay; attempt 2 waits Base, attempt 3 waits Base*Factor, and so on.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.Base
	}
	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
	if capped := float64(p.Cap); p.Cap > 0 && d > capped {
		return p.Cap
	}
	return time.Duration(d)
}

// Exhausted reports whether a step that has already run attempt times is out
// of retries.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
