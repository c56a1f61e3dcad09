package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hopeoverture/worldweaver-gate/internal/cache"
	"github.com/hopeoverture/worldweaver-gate/internal/clock"
	"github.com/hopeoverture/worldweaver-gate/internal/config"
	"github.com/hopeoverture/worldweaver-gate/internal/gate"
	"github.com/hopeoverture/worldweaver-gate/internal/identity"
	"github.com/hopeoverture/worldweaver-gate/internal/logging"
	"github.com/hopeoverture/worldweaver-gate/internal/metrics"
	"github.com/hopeoverture/worldweaver-gate/internal/quota"
	"github.com/hopeoverture/worldweaver-gate/internal/ratelimit"
	"github.com/hopeoverture/worldweaver-gate/internal/server"
	"github.com/hopeoverture/worldweaver-gate/internal/templates"
	"github.com/prometheus/client_golang/prometheus"
)

// configLoader and runnableServer are the seams run uses so tests can swap
// the config and listener layers without binding sockets.
type configLoader interface {
	Load(context.Context) (config.Config, error)
	WatchLimits(context.Context, config.Config, func(config.LimitBundle), func(error)) (limitsWatcher, error)
}

type limitsWatcher interface {
	Stop()
}

type runnableServer interface {
	Run(context.Context) error
}

var newConfigLoader = func(envPrefix, configFile string) configLoader {
	return loaderAdapter{config.NewLoader(envPrefix, configFile)}
}

var newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
	return server.New(cfg, logger, handler)
}

// loaderAdapter narrows *config.Loader to the configLoader seam.
type loaderAdapter struct {
	*config.Loader
}

func (a loaderAdapter) WatchLimits(ctx context.Context, cfg config.Config, onChange func(config.LimitBundle), onError func(error)) (limitsWatcher, error) {
	watcher, err := a.Loader.WatchLimits(ctx, cfg, onChange, onError)
	if err != nil {
		return nil, err
	}
	return watcher, nil
}

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "WWGATE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		log.Fatalf("worldweaver-gate: %v", err)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)
	clk := clock.System{}

	quotaStore := buildQuotaStore(logger.With(slog.String("component", "quota")), cfg.Server.Quota, clk, metricsRecorder)

	ips, err := identity.NewClientIPExtractor(cfg.Server.Identity.TrustedProxies)
	if err != nil {
		return fmt.Errorf("parse trusted proxies: %w", err)
	}
	users, err := identity.NewResolver(cfg.Server.Identity)
	if err != nil {
		return fmt.Errorf("construct identity resolver: %w", err)
	}

	limiter := ratelimit.New(quotaStore, ratelimit.NewRegistry(cfg.Limits), ips, users, clk, logger, metricsRecorder)

	builder, err := templates.NewBuilder(cfg.Server.ContextCache.TemplateFile, logger)
	if err != nil {
		logger.Warn("context template setup failed, using builtin template",
			slog.String("template_file", cfg.Server.ContextCache.TemplateFile),
			slog.Any("error", err))
		if builder, err = templates.NewBuilder("", logger); err != nil {
			return fmt.Errorf("compile builtin context template: %w", err)
		}
	}

	accessCache := cache.NewAccessCache(cfg.Server.AccessCache, clk, metricsRecorder)
	contextCache := cache.NewContextCache(cfg.Server.ContextCache, builder.Build, clk, metricsRecorder)

	g := gate.New(logger, gate.Options{
		Limiter:           limiter,
		Quota:             quotaStore,
		AccessCache:       accessCache,
		ContextCache:      contextCache,
		LimitSources:      cfg.LimitSources,
		Skipped:           cfg.SkippedDefinitions,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := g.Close(shutdownCtx); err != nil {
			logger.Error("quota store shutdown failed", slog.Any("error", err))
		}
	}()

	if cfg.Limits.File != "" {
		watcher, err := loader.WatchLimits(ctx, cfg, func(bundle config.LimitBundle) {
			limits := cfg.Limits
			limits.Buckets = bundle.Buckets
			limits.Rules = bundle.Rules
			limiter.Swap(ratelimit.NewRegistry(limits))
			logger.Info("rate limit definitions reloaded",
				slog.Int("buckets", len(bundle.Buckets)),
				slog.Int("rules", len(bundle.Rules)))
		}, func(err error) {
			if err != nil {
				logger.Error("limits watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("limits watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewGateHandler(g)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsRecorder.Handler())
	mux.Handle("/", server.RequestID(cfg.Server.Logging.CorrelationHeader)(handler))

	srv, err := newHTTPServer(cfg, logger, mux)
	if err != nil {
		return err
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

// buildQuotaStore selects the counter backend. Redis always arrives wrapped
// in the failover store so a flaky backend degrades to in-process counting
// instead of failing requests.
func buildQuotaStore(logger *slog.Logger, cfg config.QuotaConfig, clk clock.Clock, rec *metrics.Recorder) quota.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory quota store", slog.Int("max_entries", cfg.MaxEntries))
		return quota.NewMemory(cfg.MaxEntries, clk, rec)
	case "redis":
		primary, err := quota.NewRedis(quota.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: quota.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		}, clk, rec)
		if err != nil {
			logger.Error("redis quota store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory quota store")
			return quota.NewMemory(cfg.MaxEntries, clk, rec)
		}
		logger.Info("using redis quota store", slog.String("address", cfg.Redis.Address))
		fallback := quota.NewMemory(cfg.MaxEntries, clk, rec)
		return quota.NewFailover(primary, fallback, quota.BreakerConfig{
			Enabled:             cfg.Breaker.Enabled,
			ConsecutiveFailures: uint32(cfg.Breaker.ConsecutiveFailures),
			Cooldown:            time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
		}, logger, rec)
	default:
		logger.Warn("unsupported quota backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return quota.NewMemory(cfg.MaxEntries, clk, rec)
	}
}
