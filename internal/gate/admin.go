package gate

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/hopeoverture/worldweaver-gate/internal/ratelimit"
)

// ServeLimits handles DELETE /v1/limits/{bucket}/{kind}/{value}: an
// administrative reset of one quota window. The kind and value are rehashed
// into the same key the limiter derives, so the raw identity never needs to
// be stored anywhere.
func (g *Gate) ServeLimits(w http.ResponseWriter, r *http.Request) {
	if g.quota == nil || g.limiter == nil {
		g.WriteError(w, http.StatusServiceUnavailable, "quota store unavailable")
		return
	}
	if r.Method != http.MethodDelete {
		g.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/limits"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		g.WriteError(w, http.StatusNotFound, "expected /v1/limits/{bucket}/{kind}/{value}")
		return
	}
	bucket, kind, value := parts[0], parts[1], parts[2]

	if kind != ratelimit.KindIP && kind != ratelimit.KindUser {
		g.WriteError(w, http.StatusBadRequest, "kind must be ip or user")
		return
	}
	if registry := g.limiter.Rules(); registry != nil {
		if _, ok := registry.Bucket(bucket); !ok {
			g.WriteError(w, http.StatusNotFound, "unknown bucket")
			return
		}
	}

	if err := g.quota.Delete(r.Context(), ratelimit.Key(bucket, kind, value)); err != nil {
		g.logger.Error("quota reset failed",
			slog.String("bucket", bucket),
			slog.String("kind", kind),
			slog.Any("error", err),
		)
		g.WriteError(w, http.StatusInternalServerError, "quota reset failed")
		return
	}

	// The raw value stays out of the logs; only its digest ever existed in
	// the store.
	g.logger.Info("quota window reset",
		slog.String("bucket", bucket),
		slog.String("kind", kind),
	)
	w.WriteHeader(http.StatusNoContent)
}
