// Package ratelimit evaluates requests against named buckets of fixed-window
// quotas. A nil check result means no bucket matched and the request is
// unthrottled.
package ratelimit

// Result reports the outcome of one rate limit check. ResetAt is the window
// end as Unix epoch milliseconds; RetryAfter is whole seconds and only set on
// denials.
type Result struct {
	Allowed    bool   `json:"allowed"`
	Bucket     string `json:"bucket"`
	Limit      int64  `json:"limit"`
	Count      int64  `json:"count"`
	Remaining  int64  `json:"remaining"`
	ResetAt    int64  `json:"resetAt"`
	RetryAfter int    `json:"retryAfter"`
}

// ResetUnix reports the window end in Unix seconds for X-RateLimit-Reset.
func (r *Result) ResetUnix() int64 {
	return r.ResetAt / 1000
}
