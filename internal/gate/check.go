package gate

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hopeoverture/worldweaver-gate/internal/ratelimit"
)

// ServeCheck answers forward-auth throttle probes. The verdict is computed
// for the request described by the X-Forwarded-Method and X-Forwarded-Uri
// headers, falling back to the literal request when the proxy sends neither.
// Limiter internals never turn into a 5xx here: unmatched routes and backend
// failures both pass.
func (g *Gate) ServeCheck(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if g.limiter == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	shadow := forwardedRequest(r)
	result := g.limiter.Check(shadow)
	if result == nil {
		w.WriteHeader(http.StatusOK)
		g.logCheck(r, shadow, "unmatched", http.StatusOK, start)
		return
	}

	ratelimit.SetHeaders(w.Header(), result)
	if !result.Allowed {
		ratelimit.WriteDenied(w, result)
		g.logCheck(r, shadow, "denied", http.StatusTooManyRequests, start)
		return
	}
	w.WriteHeader(http.StatusOK)
	g.logCheck(r, shadow, "allowed", http.StatusOK, start)
}

func (g *Gate) logCheck(r, shadow *http.Request, outcome string, status int, start time.Time) {
	attrs := []any{
		slog.String("outcome", outcome),
		slog.Int("http_status", status),
		slog.String("method", shadow.Method),
		slog.String("path", shadow.URL.Path),
		slog.Float64("latency_ms", float64(time.Since(start))/float64(time.Millisecond)),
	}
	if id := g.requestID(r); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	g.logger.Debug("gate check completed", attrs...)
}

// forwardedRequest rebuilds the request the proxy is asking about. Headers,
// peer address, and context are shared with the probe request so identity
// extraction sees the same evidence the proxy forwarded.
func forwardedRequest(r *http.Request) *http.Request {
	method := strings.TrimSpace(r.Header.Get("X-Forwarded-Method"))
	uri := strings.TrimSpace(r.Header.Get("X-Forwarded-Uri"))
	if method == "" && uri == "" {
		return r
	}
	shadow := r.Clone(r.Context())
	if method != "" {
		shadow.Method = strings.ToUpper(method)
	}
	if uri != "" {
		if parsed, err := url.ParseRequestURI(uri); err == nil {
			shadow.URL = parsed
		}
	}
	return shadow
}
