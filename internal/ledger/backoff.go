package ledger

import (
	"math"
	"math/rand"
	"time"
)

// minPollDelay keeps a zero initial delay from spinning on the RPC node.
const minPollDelay = time.Millisecond

// BackoffConfig defines poll backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   1.5,
		MaxDelay:     4 * time.Second,
		Jitter:       true,
	}
}

// PollDelay is the wait before status poll attempt+1. It grows from
// InitialDelay by Multiplier, stops at MaxDelay, and is clipped to remaining
// when a confirmation deadline is set.
func (cfg BackoffConfig) PollDelay(attempt int, remaining time.Duration, rng *rand.Rand) time.Duration {
	delay := float64(max(cfg.InitialDelay, minPollDelay))
	if attempt > 1 && cfg.Multiplier > 1 {
		delay *= math.Pow(cfg.Multiplier, float64(attempt-1))
	}
	if cfg.MaxDelay > 0 {
		delay = math.Min(delay, float64(cfg.MaxDelay))
	}
	if cfg.Jitter && rng != nil {
		delay *= 0.5 + rng.Float64()
	}
	d := time.Duration(delay)
	if remaining > 0 && d > remaining {
		d = remaining
	}
	return max(d, minPollDelay)
}
