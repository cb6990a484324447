package queue

import (
	"math"
	"time"
)

type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff computes the delay before a retry. Delays never decrease as
// attempts grow.
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
	Max   time.Duration `json:"max,omitempty"`
}

// NextDelay returns the delay after the given failed attempt (1-indexed).
func (b Backoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Delay
	if b.Type == BackoffExponential {
		d = time.Duration(float64(b.Delay) * math.Pow(2, float64(attempt-1)))
		// overflow on large attempt counts
		if d < 0 {
			d = math.MaxInt64
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

type Options struct {
	MaxAttempts     int           `json:"max_attempts"`
	Backoff         Backoff       `json:"backoff"`
	LeaseDuration   time.Duration `json:"lease_duration"`
	Timeout         time.Duration `json:"timeout"`
	MaxStalledCount int           `json:"max_stalled_count"`
	// Delay postpones the first delivery.
	Delay time.Duration `json:"delay,omitempty"`
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts:     3,
		Backoff:         Backoff{Type: BackoffExponential, Delay: 2 * time.Second, Max: time.Minute},
		LeaseDuration:   45 * time.Second,
		Timeout:         30 * time.Second,
		MaxStalledCount: 1,
	}
}

// withDefaults fills zero fields from DefaultOptions. A lease never ends
// before the handler timeout does.
func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.Backoff.Type == "" {
		o.Backoff = def.Backoff
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = def.LeaseDuration
	}
	if o.LeaseDuration < o.Timeout {
		o.LeaseDuration = o.Timeout + o.Timeout/2
	}
	if o.MaxStalledCount < 0 {
		o.MaxStalledCount = 0
	}
	return o
}
