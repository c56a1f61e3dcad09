// Package gate owns the assembled service graph: the rate limiter, the
// quota store behind it, and the two decision caches, exposed over the gate
// HTTP API.
package gate

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hopeoverture/worldweaver-gate/internal/cache"
	"github.com/hopeoverture/worldweaver-gate/internal/config"
	"github.com/hopeoverture/worldweaver-gate/internal/quota"
	"github.com/hopeoverture/worldweaver-gate/internal/ratelimit"
)

// Options carries the constructed collaborators into the gate.
type Options struct {
	Limiter      *ratelimit.Limiter
	Quota        quota.Store
	AccessCache  *cache.AccessCache
	ContextCache *cache.ContextCache
	// LimitSources and Skipped mirror the loader's provenance metadata so the
	// health endpoint can report them without re-parsing files.
	LimitSources      []string
	Skipped           []config.DefinitionSkip
	CorrelationHeader string
}

// Gate glues the service graph to its HTTP surface.
type Gate struct {
	logger            *slog.Logger
	limiter           *ratelimit.Limiter
	quota             quota.Store
	accessCache       *cache.AccessCache
	contextCache      *cache.ContextCache
	limitSources      []string
	skipped           []config.DefinitionSkip
	correlationHeader string
}

// New assembles the gate. The collaborators are constructed in main and
// passed by reference; the gate holds no global state.
func New(logger *slog.Logger, opts Options) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		logger:            logger.With(slog.String("component", "gate")),
		limiter:           opts.Limiter,
		quota:             opts.Quota,
		accessCache:       opts.AccessCache,
		contextCache:      opts.ContextCache,
		limitSources:      opts.LimitSources,
		skipped:           opts.Skipped,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
	}
}

// Close releases the quota store. The caches are in-process maps and need no
// teardown.
func (g *Gate) Close(ctx context.Context) error {
	if g.quota == nil {
		return nil
	}
	return g.quota.Close(ctx)
}

// Middleware returns the limiter guard for the API routes. With no limiter
// configured requests pass through untouched.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	if g.limiter == nil {
		return next
	}
	return g.limiter.Middleware(next)
}

// requestID extracts the correlation value stamped by the server middleware.
func (g *Gate) requestID(r *http.Request) string {
	if g.correlationHeader == "" {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(g.correlationHeader))
}
