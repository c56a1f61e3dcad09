package gate

import (
	"net/http"
	"time"
)

// ServeHealth reports liveness plus the limit provenance the loader
// recorded: which files contributed definitions and which definitions were
// quarantined.
func (g *Gate) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"status":     "ok",
		"observedAt": time.Now().UTC(),
	}
	if g.limiter != nil {
		if registry := g.limiter.Rules(); registry != nil {
			status["buckets"] = registry.BucketNames()
		}
	}
	if g.accessCache != nil {
		status["accessCacheEntries"] = g.accessCache.Stats().Size
	}
	if g.contextCache != nil {
		status["contextCacheEntries"] = g.contextCache.Stats().Size
	}
	if len(g.limitSources) > 0 {
		status["limitSources"] = g.limitSources
	}
	if len(g.skipped) > 0 {
		status["skippedDefinitions"] = g.skipped
	}
	g.writeJSON(w, http.StatusOK, status)
}
