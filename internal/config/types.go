package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option plus the limit definitions once the
// loader has merged inline and file-sourced buckets.
type Config struct {
	Server ServerConfig `koanf:"server"`
	Limits LimitsConfig `koanf:"limits"`

	InlineBuckets map[string]BucketConfig `koanf:"-"`
	InlineRules   []RuleConfig            `koanf:"-"`

	// LimitSources records which files contributed bucket or rule definitions
	// once the loader resolves the configured sources. It is excluded from
	// koanf so the value only reflects runtime discovery rather than static
	// input documents.
	LimitSources []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or otherwise invalid definitions
	// the loader intentionally disabled. The health endpoint can surface these
	// without re-parsing raw files.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs owned by the service lifecycle.
type ServerConfig struct {
	Listen       ListenConfig       `koanf:"listen"`
	Logging      LoggingConfig      `koanf:"logging"`
	Identity     IdentityConfig     `koanf:"identity"`
	Quota        QuotaConfig        `koanf:"quota"`
	AccessCache  AccessCacheConfig  `koanf:"accessCache"`
	ContextCache ContextCacheConfig `koanf:"contextCache"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// IdentityConfig describes how the limiter recovers the caller's identity
// dimensions: the client IP chain and, for user-keyed buckets, a stable
// subject string.
type IdentityConfig struct {
	// Mode selects the user resolver: "header" trusts a forwarded user header
	// set by the authentication collaborator; "token" reads a claim from the
	// session cookie or bearer token without validating it.
	Mode        string `koanf:"mode"`
	UserHeader  string `koanf:"userHeader"`
	TokenCookie string `koanf:"tokenCookie"`
	TokenClaim  string `koanf:"tokenClaim"`
	// TrustedProxies lists CIDRs allowed to assert forwarded headers. Empty
	// means forwarded headers are honored from any peer.
	TrustedProxies []string `koanf:"trustedProxies"`
}

// QuotaConfig selects and tunes the counter storage backing the limiter.
type QuotaConfig struct {
	Backend    string             `koanf:"backend"`
	MaxEntries int                `koanf:"maxEntries"`
	Redis      QuotaRedisConfig   `koanf:"redis"`
	Breaker    QuotaBreakerConfig `koanf:"breaker"`
}

type QuotaRedisConfig struct {
	Address  string              `koanf:"address"`
	Username string              `koanf:"username"`
	Password string              `koanf:"password"`
	DB       int                 `koanf:"db"`
	TLS      QuotaRedisTLSConfig `koanf:"tls"`
}

type QuotaRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// QuotaBreakerConfig tunes the circuit breaker guarding the redis backend.
// While the breaker is open every increment is served by the in-process
// fallback without attempting the network call.
type QuotaBreakerConfig struct {
	Enabled             bool `koanf:"enabled"`
	ConsecutiveFailures int  `koanf:"consecutiveFailures"`
	CooldownSeconds     int  `koanf:"cooldownSeconds"`
}

// AccessCacheConfig bounds the authorization decision cache.
type AccessCacheConfig struct {
	MaxEntries int `koanf:"maxEntries"`
	TTLSeconds int `koanf:"ttlSeconds"`
	// MaxTTLSeconds caps per-entry TTL overrides supplied through the API.
	MaxTTLSeconds int `koanf:"maxTTLSeconds"`
}

// ContextCacheConfig bounds the world context cache. Its default TTL is
// deliberately longer than the access cache's: world content changes far
// less often than access grants.
type ContextCacheConfig struct {
	MaxEntries   int    `koanf:"maxEntries"`
	TTLSeconds   int    `koanf:"ttlSeconds"`
	TemplateFile string `koanf:"templateFile"`
}

// LimitsConfig declares the bucket registry: named buckets, the ordered rule
// list mapping (method, path) onto them, the catch-all bucket applied under
// the API prefix, and an optional file source merged with the inline
// definitions.
type LimitsConfig struct {
	APIPrefix string                  `koanf:"apiPrefix"`
	File      string                  `koanf:"file"`
	General   BucketConfig            `koanf:"general"`
	Buckets   map[string]BucketConfig `koanf:"buckets"`
	Rules     []RuleConfig            `koanf:"rules"`
}

// BucketConfig is one named quota: how many requests per window, keyed on
// which identity dimensions.
type BucketConfig struct {
	Description   string `koanf:"description"`
	MaxRequests   int    `koanf:"maxRequests"`
	WindowSeconds int    `koanf:"windowSeconds"`
	Strategy      string `koanf:"strategy"`
}

// Window returns the bucket's window as a duration.
func (b BucketConfig) Window() time.Duration {
	return time.Duration(b.WindowSeconds) * time.Second
}

// RuleConfig maps a method and path pattern onto a bucket name. Patterns are
// exact paths or use "*" for a single path segment; no regular expressions.
type RuleConfig struct {
	Method string `koanf:"method"`
	Path   string `koanf:"path"`
	Bucket string `koanf:"bucket"`
}

// DefinitionSkip describes a limit definition the loader intentionally
// ignored because it violated invariants (for example duplicate bucket names
// across files, or a rule referencing an unknown bucket). The health endpoint
// surfaces these so operators know which definitions were quarantined.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

const (
	// StrategyIP keys the quota on the client address.
	StrategyIP = "ip"
	// StrategyUser keys the quota on the authenticated subject, degrading to
	// the client address when no subject is recoverable.
	StrategyUser = "user"
	// StrategyCombined checks both dimensions and keeps the more restrictive
	// outcome.
	StrategyCombined = "combined"
)

// Validate enforces invariants that keep the runtime predictable before
// serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	mode := strings.TrimSpace(strings.ToLower(c.Server.Identity.Mode))
	switch mode {
	case "", "header":
		if strings.TrimSpace(c.Server.Identity.UserHeader) == "" {
			return errors.New("config: identity.userHeader required for header mode")
		}
	case "token":
		if strings.TrimSpace(c.Server.Identity.TokenCookie) == "" {
			return errors.New("config: identity.tokenCookie required for token mode")
		}
	default:
		return fmt.Errorf("config: identity.mode unsupported: %s", c.Server.Identity.Mode)
	}
	if c.Server.Quota.MaxEntries <= 0 {
		return fmt.Errorf("config: quota.maxEntries invalid: %d", c.Server.Quota.MaxEntries)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Quota.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Quota.Redis.Address) == "" {
			return errors.New("config: quota.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: quota.backend unsupported: %s", c.Server.Quota.Backend)
	}
	if c.Server.Quota.Breaker.ConsecutiveFailures < 0 {
		return fmt.Errorf("config: quota.breaker.consecutiveFailures invalid: %d", c.Server.Quota.Breaker.ConsecutiveFailures)
	}
	if c.Server.Quota.Breaker.CooldownSeconds < 0 {
		return fmt.Errorf("config: quota.breaker.cooldownSeconds invalid: %d", c.Server.Quota.Breaker.CooldownSeconds)
	}
	if err := validateCacheBounds("accessCache", c.Server.AccessCache.MaxEntries, c.Server.AccessCache.TTLSeconds); err != nil {
		return err
	}
	if c.Server.AccessCache.MaxTTLSeconds < 0 {
		return fmt.Errorf("config: accessCache.maxTTLSeconds invalid: %d", c.Server.AccessCache.MaxTTLSeconds)
	}
	if err := validateCacheBounds("contextCache", c.Server.ContextCache.MaxEntries, c.Server.ContextCache.TTLSeconds); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Limits.APIPrefix, "/") {
		return fmt.Errorf("config: limits.apiPrefix must start with /: %s", c.Limits.APIPrefix)
	}
	if err := validateBucket("general", c.Limits.General); err != nil {
		return err
	}
	for name, bucket := range c.Limits.Buckets {
		if err := validateBucket(name, bucket); err != nil {
			return err
		}
	}
	return nil
}

func validateCacheBounds(section string, maxEntries, ttlSeconds int) error {
	if maxEntries <= 0 {
		return fmt.Errorf("config: %s.maxEntries invalid: %d", section, maxEntries)
	}
	if ttlSeconds <= 0 {
		return fmt.Errorf("config: %s.ttlSeconds invalid: %d", section, ttlSeconds)
	}
	return nil
}

func validateBucket(name string, bucket BucketConfig) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("config: bucket name empty")
	}
	if bucket.MaxRequests <= 0 {
		return fmt.Errorf("config: bucket %q maxRequests invalid: %d", name, bucket.MaxRequests)
	}
	if bucket.WindowSeconds <= 0 {
		return fmt.Errorf("config: bucket %q windowSeconds invalid: %d", name, bucket.WindowSeconds)
	}
	switch strings.TrimSpace(strings.ToLower(bucket.Strategy)) {
	case "", StrategyIP, StrategyUser, StrategyCombined:
	default:
		return fmt.Errorf("config: bucket %q strategy unsupported: %s", name, bucket.Strategy)
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the WorldWeaver
// deployment defaults: a memory quota backend, the built-in bucket registry
// for the application's API, and JSON logging.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Identity: IdentityConfig{
				Mode:        "header",
				UserHeader:  "X-Auth-User",
				TokenCookie: "sb-access-token",
				TokenClaim:  "sub",
			},
			Quota: QuotaConfig{
				Backend:    "memory",
				MaxEntries: 10000,
				Breaker: QuotaBreakerConfig{
					Enabled:             true,
					ConsecutiveFailures: 5,
					CooldownSeconds:     30,
				},
			},
			AccessCache: AccessCacheConfig{
				MaxEntries:    5000,
				TTLSeconds:    120,
				MaxTTLSeconds: 600,
			},
			ContextCache: ContextCacheConfig{
				MaxEntries: 500,
				TTLSeconds: 1800,
			},
		},
		Limits: LimitsConfig{
			APIPrefix: "/api",
			General: BucketConfig{
				Description:   "catch-all for API routes without a dedicated bucket",
				MaxRequests:   120,
				WindowSeconds: 60,
				Strategy:      StrategyIP,
			},
			Buckets: DefaultBuckets(),
			Rules:   DefaultRules(),
		},
	}
}

// DefaultBuckets returns the built-in registry tuned for the WorldWeaver API.
func DefaultBuckets() map[string]BucketConfig {
	return map[string]BucketConfig{
		"auth": {
			Description:   "login, signup and password reset attempts",
			MaxRequests:   10,
			WindowSeconds: 60,
			Strategy:      StrategyIP,
		},
		"ai": {
			Description:   "AI generation endpoints",
			MaxRequests:   20,
			WindowSeconds: 60,
			Strategy:      StrategyUser,
		},
		"mutation": {
			Description:   "world and entity writes",
			MaxRequests:   60,
			WindowSeconds: 60,
			Strategy:      StrategyCombined,
		},
		"read": {
			Description:   "world and entity reads",
			MaxRequests:   240,
			WindowSeconds: 60,
			Strategy:      StrategyIP,
		},
	}
}

// DefaultRules returns the built-in rule order for the WorldWeaver API.
func DefaultRules() []RuleConfig {
	return []RuleConfig{
		{Method: "POST", Path: "/api/auth/login", Bucket: "auth"},
		{Method: "POST", Path: "/api/auth/signup", Bucket: "auth"},
		{Method: "POST", Path: "/api/auth/reset", Bucket: "auth"},
		{Method: "POST", Path: "/api/ai/generate", Bucket: "ai"},
		{Method: "POST", Path: "/api/ai/worlds/*/context", Bucket: "ai"},
		{Method: "POST", Path: "/api/worlds", Bucket: "mutation"},
		{Method: "PUT", Path: "/api/worlds/*", Bucket: "mutation"},
		{Method: "DELETE", Path: "/api/worlds/*", Bucket: "mutation"},
		{Method: "POST", Path: "/api/worlds/*/entities", Bucket: "mutation"},
		{Method: "PUT", Path: "/api/entities/*", Bucket: "mutation"},
		{Method: "DELETE", Path: "/api/entities/*", Bucket: "mutation"},
		{Method: "GET", Path: "/api/worlds", Bucket: "read"},
		{Method: "GET", Path: "/api/worlds/*", Bucket: "read"},
		{Method: "GET", Path: "/api/worlds/*/entities", Bucket: "read"},
	}
}
