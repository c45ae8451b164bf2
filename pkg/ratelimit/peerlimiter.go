package ratelimit

// NewPeerLimiter builds a token-bucket limiter keyed by peer id rather
// than source IP, for the Security Gate's per-peer message rate limit
// (configured in messages per minute, converted here to the
// per-second rate IPRateLimiter already works in).
func NewPeerLimiter(ratePerMinute, burst float64, maxPeers int) *IPRateLimiter {
	return New(ratePerMinute/60, burst, maxPeers)
}
