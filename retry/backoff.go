// Package retry computes delays between repeated attempts, such as a client
// reconnecting after its connection dropped.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Backoff calculates the delay before the next attempt. The attempt is
// zero-indexed (0 for the first retry).
type Backoff interface {
	Delay(attempt uint) time.Duration
}

// ExpBackoff grows the delay exponentially: Base * Factor^attempt, clamped
// between Base and Max, then randomized by Jitter.
//
//	backoff := retry.ExpBackoff{Base: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2}
//	// Delays: 100ms, 200ms, 400ms, ..., 6.4s, 10s, 10s
type ExpBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter Jitter
}

var _ Backoff = ExpBackoff{}

func (b ExpBackoff) Delay(attempt uint) time.Duration {
	f := float64(b.Base) * math.Pow(b.Factor, float64(attempt))

	d := time.Duration(f)

	switch {
	case f > float64(b.Max) || d > b.Max:
		d = b.Max
	case d < b.Base:
		d = b.Base
	}

	return b.Jitter.apply(d)
}

// Jitter is the share of the delay that is randomized. 0 or a negative value
// keeps the delay exact, 1 picks uniformly between 0 and the delay.
type Jitter float64

const (
	// EqualJitter keeps half of the delay and randomizes the other half.
	EqualJitter Jitter = 0.5
	// FullJitter picks uniformly between 0 and the delay.
	FullJitter Jitter = 1.0
	// WithoutJitter uses the exact delay.
	WithoutJitter Jitter = -1.0
)

func (j Jitter) apply(d time.Duration) time.Duration {
	if j <= 0 {
		return d
	}

	if j > 1 {
		j = 1
	}

	//nolint:gosec // G404: math/rand is sufficient for jitter
	r := rand.Float64() * float64(d)

	return time.Duration(float64(j)*r + float64(1-j)*float64(d))
}
