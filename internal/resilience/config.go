package resilience

import (
	"time"
)

// FromRetryConfig converts config-file values to a RetryConfig.
func FromRetryConfig(maxAttempts int, backoffMs []int, rateLimitMultiplier, jitterFraction float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if len(backoffMs) > 0 {
		cfg.Backoff = make([]time.Duration, len(backoffMs))
		for i, ms := range backoffMs {
			cfg.Backoff[i] = time.Duration(ms) * time.Millisecond
		}
	}
	if rateLimitMultiplier > 0 {
		cfg.RateLimitMultiplier = rateLimitMultiplier
	}
	if jitterFraction >= 0 {
		cfg.JitterFraction = jitterFraction
	}
	return cfg
}

// FromBreakerConfig converts config-file values to a BreakerConfig.
func FromBreakerConfig(failureThreshold, cooldownSecs int) BreakerConfig {
	cfg := DefaultBreakerConfig()
	if failureThreshold > 0 {
		cfg.Threshold = failureThreshold
	}
	if cooldownSecs > 0 {
		cfg.Cooldown = time.Duration(cooldownSecs) * time.Second
	}
	return cfg
}
