package dispatcher

import (
	"math"
	"math/rand"
	"time"
)

// Backoff schedule constants: exponential with cap, ±20% jitter, a floor
// so the very first retry is never effectively immediate, and a hard cap
// on attempts after which delivery is permanently abandoned.
const (
	BackoffBase    = 2 * time.Second
	BackoffCap     = 5 * time.Minute
	BackoffFactor  = 2.0
	JitterFraction = 0.2
	BackoffFloor   = 250 * time.Millisecond

	MaxAttempts = 15
)

// nextBackoff returns the delay before the (attempt+1)th retry, given that
// `attempt` deliveries have already failed. attempt=0 is the delay before
// the first retry after the initial attempt fails.
func nextBackoff(attempt int) time.Duration {
	d := float64(BackoffBase) * math.Pow(BackoffFactor, float64(attempt))
	if d > float64(BackoffCap) {
		d = float64(BackoffCap)
	}
	jittered := applyJitter(d)
	if jittered < float64(BackoffFloor) {
		jittered = float64(BackoffFloor)
	}
	return time.Duration(jittered)
}

// applyJitter scales d by a random factor in [1-JitterFraction, 1+JitterFraction].
func applyJitter(d float64) float64 {
	spread := d * JitterFraction
	return d - spread + rand.Float64()*2*spread
}
