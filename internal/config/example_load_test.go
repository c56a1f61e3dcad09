package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadExampleConfigs(t *testing.T) {
	// Config package sits at internal/config, examples live at the repo root.
	wd, err := os.Getwd()
	require.NoError(t, err)
	projectRoot := filepath.Join(wd, "..", "..")

	examples := []struct {
		name     string
		path     string
		validate func(t *testing.T, cfg Config)
	}{
		{
			name: "gateway",
			path: "examples/configs/gateway.yaml",
			validate: func(t *testing.T, cfg Config) {
				require.Equal(t, "token", cfg.Server.Identity.Mode)
				require.Equal(t, "sb-access-token", cfg.Server.Identity.TokenCookie)
				require.Len(t, cfg.Server.Identity.TrustedProxies, 2)
				require.Equal(t, 1800, cfg.Server.ContextCache.TTLSeconds)
				require.Equal(t, "/api", cfg.Limits.APIPrefix)
			},
		},
		{
			name: "redis-backend",
			path: "examples/configs/redis-backend.yaml",
			validate: func(t *testing.T, cfg Config) {
				require.Equal(t, "redis", cfg.Server.Quota.Backend)
				require.Equal(t, "valkey:6379", cfg.Server.Quota.Redis.Address)
				require.True(t, cfg.Server.Quota.Breaker.Enabled)
				require.Equal(t, 5, cfg.Server.Quota.Breaker.ConsecutiveFailures)
			},
		},
	}

	for _, tc := range examples {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			configPath := filepath.Join(projectRoot, tc.path)

			loader := NewLoader("WWGATE", configPath)
			cfg, err := loader.Load(context.Background())
			require.NoError(t, err, "Failed to load %s", tc.path)

			tc.validate(t, cfg)
		})
	}
}

func TestLoadExampleLimitsFile(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	limitsPath := filepath.Join(wd, "..", "..", "examples", "configs", "limits.yaml")

	bundle, err := buildLimitBundle(context.Background(), DefaultBuckets(), DefaultRules(), LimitsConfig{File: limitsPath})
	require.NoError(t, err)

	require.Contains(t, bundle.Buckets, "export")
	require.Contains(t, bundle.Buckets, "invite")
	require.Contains(t, bundle.Buckets, "auth", "built-in buckets remain addressable")
	require.Len(t, bundle.Rules, 10, "example rule order should load without quarantine")
	for _, skip := range bundle.Skipped {
		require.NotEqual(t, "rule", skip.Kind, "example rules should not be skipped: %v", skip)
	}
}
