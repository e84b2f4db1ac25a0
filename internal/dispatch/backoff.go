package dispatch

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffPolicy is the single retry policy for sends and the breaker.
type BackoffPolicy struct {
	BaseDelay time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay  time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// Jitter is the randomization factor in [0, 1].
	Jitter float64 `yaml:"jitter" env:"JITTER"`
}

// DefaultBackoffPolicy returns 1s doubling up to 5m with 20% jitter.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		BaseDelay: time.Second,
		MaxDelay:  5 * time.Minute,
		Jitter:    0.2,
	}
}

// NewBackOff returns a fresh exponential backoff for the policy.
// Retries are unbounded; only the interval is capped.
func (p BackoffPolicy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	d := DefaultBackoffPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}
