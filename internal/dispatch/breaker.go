package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/roach88/playsync/internal/telemetry"
)

// breaker is the connectivity circuit breaker shared by all session workers.
//
// After threshold consecutive not-delivered failures it opens for one backoff
// interval. When the interval passes, exactly one worker is let through as a
// trial send; its result closes or re-opens the breaker.
type breaker struct {
	mu        sync.Mutex
	threshold int
	failures  int
	openUntil time.Time
	trial     bool
	bo        *backoff.ExponentialBackOff
	trialWait time.Duration
}

func newBreaker(threshold int, policy BackoffPolicy) *breaker {
	return &breaker{
		threshold: threshold,
		bo:        policy.NewBackOff(),
		trialWait: policy.BaseDelay,
	}
}

// allow returns how long the caller must wait before sending; zero means go.
func (b *breaker) allow(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.threshold {
		return 0
	}
	if now.Before(b.openUntil) {
		return b.openUntil.Sub(now)
	}
	if b.trial {
		return b.trialWait
	}
	b.trial = true
	slog.Debug("breaker half-open, allowing one send")
	return 0
}

// success records that the server was reached.
func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

// failure records a not-delivered send.
func (b *breaker) failure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.trial = false
	if b.failures < b.threshold {
		return
	}
	wait := b.bo.NextBackOff()
	b.openUntil = now.Add(wait)
	telemetry.SetBreakerOpen(true)
	slog.Info("breaker open",
		"consecutive_failures", b.failures,
		"retry_in", wait,
	)
}

// record applies a send outcome. Sends that reached the server close the
// breaker and not-delivered sends count as failures. Any other outcome
// leaves the count alone and frees the half-open slot.
func (b *breaker) record(out outcome, now time.Time) {
	switch out {
	case outcomeAcked, outcomeRejected:
		b.success()
	case outcomeNotDelivered:
		b.failure(now)
	default:
		b.abandon()
	}
}

// abandon frees the half-open slot without judging connectivity.
func (b *breaker) abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trial = false
}

// reset closes the breaker immediately (connectivity restored).
func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

func (b *breaker) open(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures >= b.threshold && now.Before(b.openUntil)
}

func (b *breaker) closeLocked() {
	if b.failures >= b.threshold {
		slog.Info("breaker closed")
	}
	b.failures = 0
	b.trial = false
	b.openUntil = time.Time{}
	b.bo.Reset()
	telemetry.SetBreakerOpen(false)
}
