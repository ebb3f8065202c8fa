// Package resilience holds the rate limiter and circuit breaker. Everything
// here is a pure function over state owned by the caller; nothing does I/O.
package resilience

import (
	"math"
	"time"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
)

// Health tiers returned by HealthScore.
const (
	HealthNormal   = 1.0
	HealthStressed = 0.5
	HealthCritical = 0.1
)

// RateLimitConfig configures the adaptive token bucket.
type RateLimitConfig struct {
	// Max is the bucket capacity and the seed for new callers.
	Max float64 `yaml:"max" toml:"max"`
	// RefillPerSec is the base refill rate at full health.
	RefillPerSec float64 `yaml:"refill_per_sec" toml:"refill_per_sec"`
	// StressThreshold is the pending job count where throttling starts.
	StressThreshold int `yaml:"stress_threshold" toml:"stress_threshold"`
}

// DefaultRateLimitConfig returns the service defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Max:             100,
		RefillPerSec:    1,
		StressThreshold: 50,
	}
}

// HealthScore maps queue depth to a refill multiplier.
func HealthScore(pending, threshold int) float64 {
	switch {
	case pending < threshold:
		return HealthNormal
	case pending < 2*threshold:
		return HealthStressed
	default:
		return HealthCritical
	}
}

// EffectiveRate is the refill rate after applying the health score.
func EffectiveRate(cfg RateLimitConfig, pending int) float64 {
	return cfg.RefillPerSec * HealthScore(pending, cfg.StressThreshold)
}

// CheckRateLimit refills the bucket for key and consumes one token if one is
// available. It creates the bucket at full capacity on first use. The only
// state touched is the bucket itself.
func CheckRateLimit(buckets map[string]*models.RateLimitState, key string, pending int, cfg RateLimitConfig, now time.Time) bool {
	b, ok := buckets[key]
	if !ok {
		b = &models.RateLimitState{Tokens: cfg.Max, LastRefill: now}
		buckets[key] = b
	}

	elapsed := now.Sub(b.LastRefill).Seconds()
	if elapsed > 0 {
		b.Tokens = math.Min(cfg.Max, b.Tokens+elapsed*EffectiveRate(cfg, pending))
		b.LastRefill = now
	}

	if b.Tokens < 1 {
		return false
	}
	b.Tokens--
	return true
}
