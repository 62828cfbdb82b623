package session

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns the reconnect delay before attempt N (1-based).
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(b.InitialDelay)
	if attempt > 1 {
		delay *= math.Pow(mult, float64(attempt-1))
	}
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	if b.Jitter {
		f := 0.5
		if rng != nil {
			f += rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}
