package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
)

type deniedBody struct {
	Error      string `json:"error"`
	Bucket     string `json:"bucket"`
	Limit      int64  `json:"limit"`
	RetryAfter int    `json:"retryAfterSeconds"`
}

// Middleware enforces the limiter in front of next. Unthrottled requests pass
// through untouched; limited ones carry the X-RateLimit headers either way.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := l.Check(r)
		if result == nil {
			next.ServeHTTP(w, r)
			return
		}
		SetHeaders(w.Header(), result)
		if !result.Allowed {
			WriteDenied(w, result)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetHeaders stamps the standard X-RateLimit response headers for a result.
func SetHeaders(h http.Header, result *Result) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetUnix(), 10))
	h.Set("X-RateLimit-Bucket", result.Bucket)
}

// WriteDenied emits the 429 response with a Retry-After header and JSON body.
func WriteDenied(w http.ResponseWriter, result *Result) {
	w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(deniedBody{
		Error:      "rate limit exceeded",
		Bucket:     result.Bucket,
		Limit:      result.Limit,
		RetryAfter: result.RetryAfter,
	})
}
