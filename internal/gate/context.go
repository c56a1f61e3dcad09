package gate

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hopeoverture/worldweaver-gate/internal/cache"
)

// ServeContext dispatches the context cache API under /v1/context.
func (g *Gate) ServeContext(w http.ResponseWriter, r *http.Request) {
	if g.contextCache == nil {
		g.WriteError(w, http.StatusServiceUnavailable, "context cache unavailable")
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/context"), "/")
	switch rest {
	case "":
		switch r.Method {
		case http.MethodPost:
			g.contextBuild(w, r)
		case http.MethodDelete:
			g.contextInvalidate(w, r)
		default:
			g.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "stats":
		if r.Method != http.MethodGet {
			g.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		g.writeJSON(w, http.StatusOK, g.contextCache.Stats())
	default:
		g.WriteError(w, http.StatusNotFound, "unknown context route")
	}
}

// contextBuild returns the prompt context for the posted world profile,
// building it on a miss.
func (g *Gate) contextBuild(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var profile cache.WorldProfile
	if !g.readJSON(w, r, &profile) {
		return
	}
	if err := profile.Validate(); err != nil {
		g.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	text, cached, err := g.contextCache.GetOrBuild(profile)
	if err != nil {
		g.logger.Error("context build failed",
			slog.String("world", profile.ID),
			slog.Any("error", err),
		)
		g.WriteError(w, http.StatusInternalServerError, "context build failed")
		return
	}

	g.logger.Debug("context served",
		slog.String("world", profile.ID),
		slog.Bool("cached", cached),
		slog.Float64("latency_ms", float64(time.Since(start))/float64(time.Millisecond)),
	)
	g.writeJSON(w, http.StatusOK, map[string]any{"context": text, "cached": cached})
}

// contextInvalidate drops the cached context for the posted profile. The
// response is 204 whether or not an entry existed; invalidation is
// idempotent.
func (g *Gate) contextInvalidate(w http.ResponseWriter, r *http.Request) {
	var profile cache.WorldProfile
	if !g.readJSON(w, r, &profile) {
		return
	}
	if err := profile.Validate(); err != nil {
		g.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	found := g.contextCache.Invalidate(profile)
	g.logger.Debug("context invalidated",
		slog.String("world", profile.ID),
		slog.Bool("removed", found),
	)
	w.WriteHeader(http.StatusNoContent)
}
