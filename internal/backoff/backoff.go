// Package backoff computes retry delays for persisted attempt counters.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy is an exponential backoff with optional jitter. A Factor of 1
// yields a fixed delay.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // fraction of the delay, e.g. 0.25 for ±25%
}

// Default mirrors the provider client retry settings.
func Default() Policy {
	return Policy{
		Base:   30 * time.Second,
		Max:    30 * time.Minute,
		Factor: 2,
		Jitter: 0.25,
	}
}

// Delay returns the wait before attempt number n (1-based). n <= 0 yields 0.
func (p Policy) Delay(n int) time.Duration {
	if n <= 0 || p.Base <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	d := float64(p.Base) * math.Pow(factor, float64(n-1))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}

	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	}

	return time.Duration(d)
}

// Next returns the earliest time attempt n+1 may run after a failure at now.
func (p Policy) Next(now time.Time, failures int) time.Time {
	return now.Add(p.Delay(failures))
}
