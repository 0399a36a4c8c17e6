// Package retry re-attempts transient publisher failures within one call.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy selects how the wait grows between attempts.
type Strategy int

const (
	// Exponential waits base * 2^(retry-1).
	Exponential Strategy = iota

	// Linear waits base * retry.
	Linear

	// Constant always waits base.
	Constant
)

// ParseStrategy maps "exponential", "linear" and "constant"; anything
// else is Exponential.
func ParseStrategy(s string) Strategy {
	switch s {
	case "linear":
		return Linear
	case "constant":
		return Constant
	default:
		return Exponential
	}
}

// Backoff computes the wait before a retry.
type Backoff struct {
	Strategy Strategy `yaml:"-" json:"-"`

	// Base is the first wait. Default 500ms.
	Base time.Duration `yaml:"base" json:"base"`

	// Max caps a single wait. Default 10s.
	Max time.Duration `yaml:"max" json:"max"`

	// Jitter spreads waits by +/- this fraction (0 to 1). Default 0.1.
	Jitter float64 `yaml:"jitter" json:"jitter"`
}

// DefaultBackoff returns the publisher backoff defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Strategy: Exponential,
		Base:     500 * time.Millisecond,
		Max:      10 * time.Second,
		Jitter:   0.1,
	}
}

// Delay returns the wait before retry n (1-based), jitter included.
func (b Backoff) Delay(n int) time.Duration {
	return b.jitter(b.raw(n))
}

// Schedule returns the jitter-free waits for retries 1..n.
func (b Backoff) Schedule(n int) []time.Duration {
	if n <= 0 {
		return nil
	}
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = b.raw(i + 1)
	}
	return out
}

func (b Backoff) raw(n int) time.Duration {
	if n < 1 {
		n = 1
	}

	var d time.Duration
	switch b.Strategy {
	case Linear:
		d = b.Base * time.Duration(n)
	case Constant:
		d = b.Base
	default:
		d = time.Duration(float64(b.Base) * math.Pow(2, float64(n-1)))
	}

	if b.Max > 0 && (d > b.Max || d < 0) {
		d = b.Max
	}
	return d
}

func (b Backoff) jitter(d time.Duration) time.Duration {
	j := b.Jitter
	if j <= 0 || d <= 0 {
		return d
	}
	if j > 1 {
		j = 1
	}
	spread := float64(d) * j
	return time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
}
