// Package ratelimit bounds the number of output bytes a script may feed into its state.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a token bucket holding up to capacity bytes and refilling at capacity
// bytes per second. It is safe for concurrent use.
type Bucket struct {
	limiter  *rate.Limiter
	capacity int
	now      func() time.Time
}

// Option customises a Bucket.
type Option func(*Bucket)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bucket) { b.now = now }
}

// New returns a full bucket. A non-positive capacity disables limiting.
func New(capacity int, opts ...Option) *Bucket {
	b := &Bucket{capacity: capacity, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	if capacity > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(capacity), capacity)
		// prime the limiter's clock so the injected clock and the bucket agree
		b.limiter.SetLimitAt(b.now(), rate.Limit(capacity))
	}
	return b
}

// TryConsume debits n bytes when enough tokens are available and reports whether it
// did. It never blocks and never consumes partially.
func (b *Bucket) TryConsume(n int) bool {
	if b.limiter == nil || n <= 0 {
		return true
	}
	return b.limiter.AllowN(b.now(), n)
}

// Capacity returns the configured burst size in bytes.
func (b *Bucket) Capacity() int { return b.capacity }

// Available reports the tokens currently in the bucket.
func (b *Bucket) Available() float64 {
	if b.limiter == nil {
		return float64(b.capacity)
	}
	return b.limiter.TokensAt(b.now())
}
