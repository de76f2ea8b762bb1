package appservice

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy controls how long a worker waits between delivery attempts
// for a service that keeps rejecting transactions. The zero value is replaced
// by DefaultBackoffPolicy.
type BackoffPolicy struct {
	// Base is the delay after the first failure.
	Base time.Duration
	// Multiplier grows the delay after each further consecutive failure.
	Multiplier float64
	// Max caps the delay, before jitter.
	Max time.Duration
	// Jitter is the fraction of the delay added at random on top, in [0, 1].
	// It spreads retries out when several services fail at once.
	Jitter float64
}

// DefaultBackoffPolicy doubles from one second up to an hour with 10% jitter.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:       time.Second,
		Multiplier: 2,
		Max:        time.Hour,
		Jitter:     0.1,
	}
}

// Delay returns how long to wait after the given number of consecutive
// failures, counted from 1. Jitter is applied after the cap, so the result
// may exceed Max by at most the jitter fraction.
func (p BackoffPolicy) Delay(consecutiveFailures int) time.Duration {
	if consecutiveFailures < 1 {
		consecutiveFailures = 1
	}
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}
	max := p.Max
	if max <= 0 {
		max = time.Hour
	}
	delay := float64(base) * math.Pow(multiplier, float64(consecutiveFailures-1))
	if delay > float64(max) {
		delay = float64(max)
	}
	if p.Jitter > 0 {
		delay += rand.Float64() * p.Jitter * delay
	}
	return time.Duration(delay)
}
