package supervisor

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"time"
)

// BackoffConfig configures delays between failed attempts.
type BackoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool
}

func defaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelayMS: 1_000,
		BackoffFactor:  2.0,
		MaxDelayMS:     60_000,
		Jitter:         true,
	}
}

// DelayForAttempt computes the backoff delay before retrying after the given
// 1-indexed attempt. Jitter is deterministic per seed so retry timing is
// reproducible for a given task.
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	factor := cfg.BackoffFactor
	if factor <= 0 {
		factor = 1.0
	}

	// base = initial * factor^(attempt-1), capped.
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(factor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}

	// Jitter applies after capping, mapping into [0.5, 1.5] of the base.
	if cfg.Jitter {
		baseMS *= 0.5 + jitterUnit(jitterSeed)
	}

	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}
