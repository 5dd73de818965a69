package llm

import (
	"math/rand/v2"
	"time"
)

// RetryConfig is the per-endpoint retry policy. Zero fields fall back to
// the defaults, so a partial YAML section is valid.
type RetryConfig struct {
	// MaxAttempts bounds attempts against one endpoint before the client
	// moves to the next endpoint in the profile chain.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration `yaml:"backoff_base,omitempty"`

	// BackoffMultiplier grows the delay on each further retry.
	BackoffMultiplier float64 `yaml:"backoff_multiplier,omitempty"`

	// MaxBackoff caps the grown delay.
	MaxBackoff time.Duration `yaml:"max_backoff,omitempty"`
}

// DefaultRetryConfig returns the retry policy used when none is
// configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultRetryConfig.
func (rc RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if rc.MaxAttempts <= 0 {
		rc.MaxAttempts = def.MaxAttempts
	}
	if rc.BackoffBase <= 0 {
		rc.BackoffBase = def.BackoffBase
	}
	if rc.BackoffMultiplier <= 0 {
		rc.BackoffMultiplier = def.BackoffMultiplier
	}
	if rc.MaxBackoff <= 0 {
		rc.MaxBackoff = def.MaxBackoff
	}
	return rc
}

// Backoff computes the delay before the given retry attempt (1-based):
// exponential growth capped at MaxBackoff, with +/- 25% jitter so
// concurrent runs do not retry in lockstep.
func (rc RetryConfig) Backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= rc.BackoffMultiplier
	}

	backoff := time.Duration(float64(rc.BackoffBase) * multiplier)
	if backoff > rc.MaxBackoff {
		backoff = rc.MaxBackoff
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}
