package collect

import (
	"time"

	"github.com/regbeacon/regbeacon/internal/model"
)

// Breaker decides whether a source's circuit blocks a fetch. The
// failure counter and open timestamp live on the Source record, so the
// breaker survives restarts and is shared across collector workers.
type Breaker struct {
	Threshold int
	Cooldown  time.Duration
}

// NewBreaker creates a breaker with the given policy
func NewBreaker(threshold int, cooldown time.Duration) Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	return Breaker{Threshold: threshold, Cooldown: cooldown}
}

// Open reports whether the source's circuit is currently open: the
// failure threshold was reached and the cooldown has not yet elapsed.
// After the cooldown a single probe fetch is allowed through.
func (b Breaker) Open(src model.Source, now time.Time) bool {
	if src.ConsecutiveErrors < b.Threshold {
		return false
	}
	if src.CircuitOpenedAt.IsZero() {
		return true
	}
	return now.Sub(src.CircuitOpenedAt) < b.Cooldown
}

// Tripped reports whether this failure count just reached the threshold
func (b Breaker) Tripped(consecutiveErrors int) bool {
	return consecutiveErrors >= b.Threshold
}
