package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot so the lifecycle code can make decisions using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.logging.correlationheader":          "server.logging.correlationHeader",
			"server.identity.userheader":                "server.identity.userHeader",
			"server.identity.tokencookie":               "server.identity.tokenCookie",
			"server.identity.tokenclaim":                "server.identity.tokenClaim",
			"server.identity.trustedproxies":            "server.identity.trustedProxies",
			"server.quota.maxentries":                   "server.quota.maxEntries",
			"server.quota.redis.tls.cafile":             "server.quota.redis.tls.caFile",
			"server.quota.breaker.consecutivefailures":  "server.quota.breaker.consecutiveFailures",
			"server.quota.breaker.cooldownseconds":      "server.quota.breaker.cooldownSeconds",
			"server.accesscache.maxentries":             "server.accessCache.maxEntries",
			"server.accesscache.ttlseconds":             "server.accessCache.ttlSeconds",
			"server.accesscache.maxttlseconds":          "server.accessCache.maxTTLSeconds",
			"server.contextcache.maxentries":            "server.contextCache.maxEntries",
			"server.contextcache.ttlseconds":            "server.contextCache.ttlSeconds",
			"server.contextcache.templatefile":          "server.contextCache.templateFile",
			"limits.apiprefix":                          "limits.apiPrefix",
			"limits.general.maxrequests":                "limits.general.maxRequests",
			"limits.general.windowseconds":              "limits.general.windowSeconds",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineBuckets = cloneBucketMap(cfg.Limits.Buckets)
	cfg.InlineRules = cloneRuleList(cfg.Limits.Rules)

	bundle, err := buildLimitBundle(ctx, cfg.InlineBuckets, cfg.InlineRules, cfg.Limits)
	if err != nil {
		return Config{}, err
	}
	cfg.Limits.Buckets = bundle.Buckets
	cfg.Limits.Rules = bundle.Rules
	cfg.LimitSources = bundle.Sources
	cfg.SkippedDefinitions = bundle.Skipped
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	buckets := make(map[string]any, len(cfg.Limits.Buckets))
	for name, bucket := range cfg.Limits.Buckets {
		buckets[name] = bucketToMap(bucket)
	}
	rules := make([]map[string]any, 0, len(cfg.Limits.Rules))
	for _, rule := range cfg.Limits.Rules {
		rules = append(rules, map[string]any{
			"method": rule.Method,
			"path":   rule.Path,
			"bucket": rule.Bucket,
		})
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"identity": map[string]any{
				"mode":           cfg.Server.Identity.Mode,
				"userHeader":     cfg.Server.Identity.UserHeader,
				"tokenCookie":    cfg.Server.Identity.TokenCookie,
				"tokenClaim":     cfg.Server.Identity.TokenClaim,
				"trustedProxies": cfg.Server.Identity.TrustedProxies,
			},
			"quota": map[string]any{
				"backend":    cfg.Server.Quota.Backend,
				"maxEntries": cfg.Server.Quota.MaxEntries,
				"redis": map[string]any{
					"address":  cfg.Server.Quota.Redis.Address,
					"username": cfg.Server.Quota.Redis.Username,
					"password": cfg.Server.Quota.Redis.Password,
					"db":       cfg.Server.Quota.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Quota.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Quota.Redis.TLS.CAFile,
					},
				},
				"breaker": map[string]any{
					"enabled":             cfg.Server.Quota.Breaker.Enabled,
					"consecutiveFailures": cfg.Server.Quota.Breaker.ConsecutiveFailures,
					"cooldownSeconds":     cfg.Server.Quota.Breaker.CooldownSeconds,
				},
			},
			"accessCache": map[string]any{
				"maxEntries":    cfg.Server.AccessCache.MaxEntries,
				"ttlSeconds":    cfg.Server.AccessCache.TTLSeconds,
				"maxTTLSeconds": cfg.Server.AccessCache.MaxTTLSeconds,
			},
			"contextCache": map[string]any{
				"maxEntries":   cfg.Server.ContextCache.MaxEntries,
				"ttlSeconds":   cfg.Server.ContextCache.TTLSeconds,
				"templateFile": cfg.Server.ContextCache.TemplateFile,
			},
		},
		"limits": map[string]any{
			"apiPrefix": cfg.Limits.APIPrefix,
			"file":      cfg.Limits.File,
			"general":   bucketToMap(cfg.Limits.General),
			"buckets":   buckets,
			"rules":     rules,
		},
	}
}

func bucketToMap(bucket BucketConfig) map[string]any {
	return map[string]any{
		"description":   bucket.Description,
		"maxRequests":   bucket.MaxRequests,
		"windowSeconds": bucket.WindowSeconds,
		"strategy":      bucket.Strategy,
	}
}
