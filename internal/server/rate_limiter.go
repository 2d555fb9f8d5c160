// Package server throttles per-connection message intake to protect the hub
// from abuse.
package server

import "golang.org/x/time/rate"

// newRateLimiter builds a token-bucket limiter from the configured sustained
// rate and burst allowance.
func newRateLimiter(cfg RateLimitConfig) *rate.Limiter {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
