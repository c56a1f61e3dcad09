package cache

import "time"

// ClampTTL resolves a requested entry lifetime against a default and a
// ceiling. A non-positive request takes the default; a positive ceiling caps
// the result. Ceilings keep API-supplied lifetimes from pinning entries far
// past the configured horizon.
func ClampTTL(requested, fallback, ceiling time.Duration) time.Duration {
	ttl := requested
	if ttl <= 0 {
		ttl = fallback
	}
	if ceiling > 0 && ttl > ceiling {
		ttl = ceiling
	}
	return ttl
}
