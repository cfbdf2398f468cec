package retry

import (
	"math/rand/v2"
	"time"
)

// Policy computes backoff delays and retry eligibility. It is pure and
// stateless; callers own the attempt counters.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Default returns the engine's standard policy.
func Default() Policy {
	return Policy{
		MaxRetries: 5,
		BaseDelay:  time.Second,
		MaxDelay:   32 * time.Second,
	}
}

const jitterFraction = 0.1

// Backoff returns the capped exponential delay for an attempt, without
// jitter: min(BaseDelay * 2^attempt, MaxDelay).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^attempt overflows int64 long before the cap matters.
	if attempt > 32 {
		return p.MaxDelay
	}
	d := p.BaseDelay << uint(attempt)
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Delay returns the backoff for an attempt with symmetric jitter of up to
// ±10% of the capped value, desynchronizing retries across queued entries.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Backoff(attempt)
	jitter := (rand.Float64()*2 - 1) * jitterFraction * float64(d)
	return d + time.Duration(jitter)
}

// ShouldRetry reports whether another attempt is warranted. Permanent
// errors are never retried; unknown errors are retried conservatively up
// to the cap, like transient ones.
func (p Policy) ShouldRetry(attempt int, kind Kind) bool {
	if kind == KindPermanent {
		return false
	}
	return attempt < p.MaxRetries
}
