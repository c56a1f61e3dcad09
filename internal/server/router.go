package server

import (
	"net/http"
	"strings"
)

// GateHTTP is the surface the router needs from the assembled gate. Keeping
// it an interface lets router tests run against a stub instead of the full
// service graph.
type GateHTTP interface {
	ServeCheck(http.ResponseWriter, *http.Request)
	ServeAccess(http.ResponseWriter, *http.Request)
	ServeContext(http.ResponseWriter, *http.Request)
	ServeLimits(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
	Middleware(http.Handler) http.Handler
	WriteError(http.ResponseWriter, int, string)
}

// NewGateHandler wires URL dispatch for the gate API. The management routes
// under /v1 sit behind the gate's own rate limit middleware; the
// forward-auth probe and the health endpoint stay exempt so the proxy and
// the orchestrator are never throttled out of the control plane.
func NewGateHandler(g GateHTTP) http.Handler {
	if g == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gate unavailable", http.StatusServiceUnavailable)
		})
	}

	api := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch apiHead(r.URL.Path) {
		case "access":
			g.ServeAccess(w, r)
		case "context":
			g.ServeContext(w, r)
		case "limits":
			g.ServeLimits(w, r)
		default:
			g.WriteError(w, http.StatusNotFound, "unknown api route")
		}
	}))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case path == "/gate/check":
			g.ServeCheck(w, r)
		case path == "/health" || path == "/healthz":
			g.ServeHealth(w, r)
		case path == "/v1" || strings.HasPrefix(path, "/v1/"):
			api.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// apiHead extracts the first path segment under /v1.
func apiHead(path string) string {
	rest := strings.Trim(strings.TrimPrefix(path, "/v1"), "/")
	if rest == "" {
		return ""
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}
