package clients

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential delays with ±10% jitter:
// min(Initial·2^(n-1), Max) for the n-th consecutive failure.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter disables randomization when false; tests rely on that.
	Jitter bool
}

// DefaultBackoff returns the subscription retry defaults.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: true}
}

// Delay returns the pause before retry number failures (1-based).
func (b Backoff) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := time.Duration(float64(b.Initial) * math.Pow(2, float64(failures-1)))
	if delay > b.Max || delay <= 0 {
		delay = b.Max
	}
	if b.Jitter {
		delay += time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
	}
	return delay
}
