package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// ExponentialBackoff produces retry delays that grow by Multiplier up to Max,
// with a jitter fraction applied to each delay so concurrent retriers do not
// synchronize against a recovering dependency.
type ExponentialBackoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // fraction in [0,1); 0.1 means ±10%

	mu      sync.Mutex
	current time.Duration
	rng     *rand.Rand
}

// New returns a backoff starting at base. Zero values fall back to sane
// defaults (1s base, 60s max, 2.0 multiplier, 10% jitter).
func New(base, max time.Duration, multiplier, jitter float64) *ExponentialBackoff {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 60 * time.Second
	}
	if multiplier < 1 {
		multiplier = 2.0
	}
	if jitter < 0 || jitter >= 1 {
		jitter = 0.1
	}
	return &ExponentialBackoff{
		Base:       base,
		Max:        max,
		Multiplier: multiplier,
		Jitter:     jitter,
		current:    base,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextDelay returns the current delay with jitter applied and advances the
// internal delay toward Max.
func (b *ExponentialBackoff) NextDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.current

	next := time.Duration(float64(b.current) * b.Multiplier)
	if next > b.Max {
		next = b.Max
	}
	b.current = next

	if b.Jitter > 0 {
		// Spread in [delay*(1-j), delay*(1+j)].
		span := float64(delay) * b.Jitter
		delay = time.Duration(float64(delay) - span + b.rng.Float64()*2*span)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

// Reset restores the initial delay.
func (b *ExponentialBackoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.Base
}

// Current reports the next un-jittered delay; used by tests and health dumps.
func (b *ExponentialBackoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}
