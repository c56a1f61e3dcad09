package ratelimit

import (
	"strings"

	"github.com/hopeoverture/worldweaver-gate/internal/config"
)

// GeneralBucket names the default bucket applied under the API prefix when no
// rule matches.
const GeneralBucket = "general"

type compiledRule struct {
	method   string
	segments []string
	bucket   string
}

// Registry is an immutable compiled rule set. Rules are tested in order
// against (method, path); the first match wins. Reloads swap whole
// registries, individual registries never change.
type Registry struct {
	apiPrefix string
	general   config.BucketConfig
	buckets   map[string]config.BucketConfig
	rules     []compiledRule
}

// NewRegistry compiles the merged limit definitions into an ordered matcher.
func NewRegistry(limits config.LimitsConfig) *Registry {
	reg := &Registry{
		apiPrefix: normalizePrefix(limits.APIPrefix),
		general:   limits.General,
		buckets:   make(map[string]config.BucketConfig, len(limits.Buckets)),
	}
	for name, bucket := range limits.Buckets {
		reg.buckets[name] = bucket
	}
	for _, rule := range limits.Rules {
		reg.rules = append(reg.rules, compiledRule{
			method:   strings.ToUpper(strings.TrimSpace(rule.Method)),
			segments: splitPath(rule.Path),
			bucket:   rule.Bucket,
		})
	}
	return reg
}

// Match finds the bucket governing (method, path). Paths under the API prefix
// with no matching rule fall back to the general bucket; everything else is
// unthrottled.
func (r *Registry) Match(method, path string) (string, config.BucketConfig, bool) {
	method = strings.ToUpper(method)
	segments := splitPath(path)

	for _, rule := range r.rules {
		if rule.method != "" && rule.method != "*" && rule.method != method {
			continue
		}
		if !matchSegments(rule.segments, segments) {
			continue
		}
		bucket, ok := r.bucket(rule.bucket)
		if !ok {
			continue
		}
		return rule.bucket, bucket, true
	}

	if r.underPrefix(path) {
		return GeneralBucket, r.general, true
	}
	return "", config.BucketConfig{}, false
}

// Bucket resolves a bucket definition by name, including the general bucket.
func (r *Registry) Bucket(name string) (config.BucketConfig, bool) {
	return r.bucket(name)
}

// BucketNames lists every known bucket including the general one.
func (r *Registry) BucketNames() []string {
	names := make([]string, 0, len(r.buckets)+1)
	for name := range r.buckets {
		names = append(names, name)
	}
	names = append(names, GeneralBucket)
	return names
}

func (r *Registry) bucket(name string) (config.BucketConfig, bool) {
	if name == GeneralBucket {
		return r.general, true
	}
	bucket, ok := r.buckets[name]
	return bucket, ok
}

func (r *Registry) underPrefix(path string) bool {
	switch r.apiPrefix {
	case "":
		return false
	case "/":
		return strings.HasPrefix(path, "/")
	}
	return path == r.apiPrefix || strings.HasPrefix(path, r.apiPrefix+"/")
}

// matchSegments requires equal length; a "*" rule segment matches exactly one
// path segment.
func matchSegments(rule, path []string) bool {
	if len(rule) != len(path) {
		return false
	}
	for i, segment := range rule {
		if segment == "*" {
			continue
		}
		if segment != path[i] {
			return false
		}
	}
	return true
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if prefix == "/" {
		return "/"
	}
	return strings.TrimRight(prefix, "/")
}
