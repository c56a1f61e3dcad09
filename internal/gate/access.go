package gate

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hopeoverture/worldweaver-gate/internal/cache"
)

type accessWriteRequest struct {
	UserID     string `json:"userId"`
	WorldID    string `json:"worldId"`
	HasAccess  bool   `json:"hasAccess"`
	TTLSeconds int    `json:"ttlSeconds,omitempty"`
}

type accessBulkQuery struct {
	UserID   string   `json:"userId"`
	WorldIDs []string `json:"worldIds"`
}

type accessBulkEntry struct {
	UserID    string `json:"userId"`
	WorldID   string `json:"worldId"`
	HasAccess bool   `json:"hasAccess"`
}

type accessBulkWrite struct {
	Entries    []accessBulkEntry `json:"entries"`
	TTLSeconds int               `json:"ttlSeconds,omitempty"`
}

// ServeAccess dispatches the decision cache API under /v1/access.
func (g *Gate) ServeAccess(w http.ResponseWriter, r *http.Request) {
	if g.accessCache == nil {
		g.WriteError(w, http.StatusServiceUnavailable, "access cache unavailable")
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/access"), "/")
	switch rest {
	case "":
		switch r.Method {
		case http.MethodGet:
			g.accessProbe(w, r)
		case http.MethodPut:
			g.accessStore(w, r)
		default:
			g.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "bulk":
		switch r.Method {
		case http.MethodPost:
			g.accessBulkProbe(w, r)
		case http.MethodPut:
			g.accessBulkStore(w, r)
		default:
			g.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "stats":
		if r.Method != http.MethodGet {
			g.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		g.writeJSON(w, http.StatusOK, g.accessCache.Stats())
	default:
		g.accessInvalidate(w, r, rest)
	}
}

// accessProbe answers a single cached-decision lookup. A miss is 404: the
// cache never computes decisions, callers resolve misses upstream and write
// the result back.
func (g *Gate) accessProbe(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(r.URL.Query().Get("user"))
	world := strings.TrimSpace(r.URL.Query().Get("world"))
	if user == "" || world == "" {
		g.WriteError(w, http.StatusBadRequest, "user and world query parameters required")
		return
	}
	allowed, ok := g.accessCache.Get(user, world)
	if !ok {
		g.WriteError(w, http.StatusNotFound, "decision not cached")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"hasAccess": allowed})
}

func (g *Gate) accessStore(w http.ResponseWriter, r *http.Request) {
	var req accessWriteRequest
	if !g.readJSON(w, r, &req) {
		return
	}
	user := strings.TrimSpace(req.UserID)
	world := strings.TrimSpace(req.WorldID)
	if user == "" || world == "" {
		g.WriteError(w, http.StatusBadRequest, "userId and worldId required")
		return
	}
	if req.TTLSeconds < 0 {
		g.WriteError(w, http.StatusBadRequest, "ttlSeconds must not be negative")
		return
	}
	g.accessCache.Set(user, world, req.HasAccess, time.Duration(req.TTLSeconds)*time.Second)
	w.WriteHeader(http.StatusNoContent)
}

// accessBulkProbe returns the cached decisions for one user across several
// worlds. Only hits appear in the response; absent worlds are for the caller
// to resolve.
func (g *Gate) accessBulkProbe(w http.ResponseWriter, r *http.Request) {
	var req accessBulkQuery
	if !g.readJSON(w, r, &req) {
		return
	}
	user := strings.TrimSpace(req.UserID)
	if user == "" || len(req.WorldIDs) == 0 {
		g.WriteError(w, http.StatusBadRequest, "userId and worldIds required")
		return
	}
	decisions := g.accessCache.GetBulk(user, req.WorldIDs)
	g.writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (g *Gate) accessBulkStore(w http.ResponseWriter, r *http.Request) {
	var req accessBulkWrite
	if !g.readJSON(w, r, &req) {
		return
	}
	if len(req.Entries) == 0 {
		g.WriteError(w, http.StatusBadRequest, "entries required")
		return
	}
	if req.TTLSeconds < 0 {
		g.WriteError(w, http.StatusBadRequest, "ttlSeconds must not be negative")
		return
	}
	decisions := make([]cache.Decision, 0, len(req.Entries))
	for _, entry := range req.Entries {
		user := strings.TrimSpace(entry.UserID)
		world := strings.TrimSpace(entry.WorldID)
		if user == "" || world == "" {
			g.WriteError(w, http.StatusBadRequest, "every entry needs userId and worldId")
			return
		}
		decisions = append(decisions, cache.Decision{Subject: user, Resource: world, Allowed: entry.HasAccess})
	}
	g.accessCache.SetBulk(decisions, time.Duration(req.TTLSeconds)*time.Second)
	w.WriteHeader(http.StatusNoContent)
}

// accessInvalidate handles DELETE /v1/access/users/{id} and
// DELETE /v1/access/worlds/{id}.
func (g *Gate) accessInvalidate(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		g.WriteError(w, http.StatusNotFound, "unknown access route")
		return
	}
	if r.Method != http.MethodDelete {
		g.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := parts[1]
	var (
		removed int
		scope   string
	)
	switch parts[0] {
	case "users":
		removed = g.accessCache.InvalidateSubject(id)
		scope = "user"
	case "worlds":
		removed = g.accessCache.InvalidateResource(id)
		scope = "world"
	default:
		g.WriteError(w, http.StatusNotFound, "unknown access route")
		return
	}
	g.logger.Info("access decisions invalidated",
		slog.String("scope", scope),
		slog.Int("removed", removed),
	)
	w.WriteHeader(http.StatusNoContent)
}
