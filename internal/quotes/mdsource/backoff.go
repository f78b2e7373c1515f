package mdsource

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect/retry delays: exponential, capped, optionally full jitter.
type Backoff struct {
	Min    time.Duration `mapstructure:"min"`
	Max    time.Duration `mapstructure:"max"`
	Factor float64       `mapstructure:"factor"`
	// FullJitter picks uniformly in [0, delay]; otherwise a ±20% band around delay.
	FullJitter bool `mapstructure:"full_jitter"`
}

func DefaultBackoff() Backoff {
	return Backoff{
		Min:    300 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
	}
}

// Cap is the un-jittered delay for attempt (1-based).
func (b Backoff) Cap(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	minD := b.Min
	if minD <= 0 {
		minD = 100 * time.Millisecond
	}
	maxD := b.Max
	if maxD <= 0 {
		maxD = 5 * time.Second
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2
	}

	wait := minD
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next >= maxD {
			return maxD
		}
		wait = next
	}
	if wait > maxD {
		return maxD
	}
	return wait
}

// Next is the jittered delay for attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	wait := b.Cap(attempt)
	if b.FullJitter {
		return time.Duration(rand.Int64N(int64(wait) + 1))
	}
	delta := float64(wait) * 0.2
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}
