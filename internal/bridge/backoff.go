package bridge

import (
	"math"
	"math/rand"
	"time"
)

// LinearBackoff is the Request pause: one receive timeout, every time.
func LinearBackoff(timeout time.Duration) time.Duration {
	if timeout < 0 {
		return 0
	}
	return timeout
}

// NextBackoffDelay returns the ParanoidRequest delay after failed attempt N (1-based):
// InitialDelay * Multiplier^(N-1), capped by MaxDelay when set.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
