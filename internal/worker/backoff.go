package worker

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes retry delays: exponential with full jitter,
// capped at Max. Attempt is 1-based.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given retry attempt
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	d := base << (attempt - 1)
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	// Full jitter: uniform in (0, d]
	return time.Duration(rand.Int63n(int64(d))) + 1
}
