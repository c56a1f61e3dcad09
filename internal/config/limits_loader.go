package config

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const inlineSourceName = "inline-config"

// LimitBundle captures the merged bucket and rule definitions after loading
// every configured source. The metadata explains what was loaded and why
// certain definitions were skipped.
type LimitBundle struct {
	Buckets map[string]BucketConfig
	Rules   []RuleConfig
	Sources []string
	Skipped []DefinitionSkip
}

type limitDocument struct {
	Buckets map[string]BucketConfig `koanf:"buckets"`
	Rules   []RuleConfig            `koanf:"rules"`
}

// buildLimitBundle merges the inline registry with the optional limits file.
// File buckets override inline buckets of the same name (the inline set ships
// the built-in defaults, the file is the operator's channel); a non-empty file
// rule list replaces the inline rule order wholesale so first-match-wins stays
// predictable. Invalid or unreachable definitions are quarantined rather than
// failing the load.
func buildLimitBundle(ctx context.Context, inlineBuckets map[string]BucketConfig, inlineRules []RuleConfig, limits LimitsConfig) (LimitBundle, error) {
	agg := newLimitAggregator()
	agg.addDocument(limitDocument{Buckets: inlineBuckets, Rules: inlineRules}, inlineSourceName)

	if limits.File != "" {
		select {
		case <-ctx.Done():
			return LimitBundle{}, ctx.Err()
		default:
		}
		if err := ensureFileExists(limits.File); err != nil {
			return LimitBundle{}, err
		}
		doc, err := loadLimitDocument(limits.File)
		if err != nil {
			return LimitBundle{}, err
		}
		agg.addDocument(doc, limits.File)
	}

	return agg.bundle(), nil
}

type limitAggregator struct {
	buckets       map[string]BucketConfig
	bucketSources map[string]string
	rules         []RuleConfig
	ruleSource    string
	skipped       []DefinitionSkip
	sources       map[string]struct{}
}

func newLimitAggregator() *limitAggregator {
	return &limitAggregator{
		buckets:       make(map[string]BucketConfig),
		bucketSources: make(map[string]string),
		sources:       make(map[string]struct{}),
	}
}

func (a *limitAggregator) addDocument(doc limitDocument, source string) {
	if source != "" && (len(doc.Buckets) > 0 || len(doc.Rules) > 0) {
		a.sources[source] = struct{}{}
	}
	names := make([]string, 0, len(doc.Buckets))
	for name := range doc.Buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		a.addBucket(name, doc.Buckets[name], source)
	}
	if len(doc.Rules) > 0 {
		if len(a.rules) > 0 && a.ruleSource != source {
			a.recordSkip("rules", a.ruleSource, fmt.Sprintf("rule order replaced by %s", source), a.ruleSource)
		}
		a.rules = slices.Clone(doc.Rules)
		a.ruleSource = source
	}
}

func (a *limitAggregator) addBucket(name string, cfg BucketConfig, source string) {
	if err := validateBucket(name, cfg); err != nil {
		a.recordSkip("bucket", name, err.Error(), source)
		return
	}
	if prev, ok := a.bucketSources[name]; ok && prev != source {
		a.recordSkip("bucket", name, fmt.Sprintf("overridden by %s", source), prev)
	}
	a.buckets[name] = cfg
	a.bucketSources[name] = source
}

func (a *limitAggregator) recordSkip(kind, name, reason string, sources ...string) {
	skip := DefinitionSkip{
		Kind:    kind,
		Name:    name,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.skipped = append(a.skipped, skip)
}

// pruneInvalidRules quarantines rules whose bucket never materialized or
// which can never match. Without this guard a typo in a bucket name would
// silently disable limiting for a route; recording the skip gives health
// checks a precise diagnosis.
func (a *limitAggregator) pruneInvalidRules() {
	kept := make([]RuleConfig, 0, len(a.rules))
	type matchKey struct{ method, path string }
	seen := make(map[matchKey]struct{}, len(a.rules))
	for i, rule := range a.rules {
		ruleName := fmt.Sprintf("rules[%d]", i)
		method := strings.ToUpper(strings.TrimSpace(rule.Method))
		path := strings.TrimSpace(rule.Path)
		bucket := strings.TrimSpace(rule.Bucket)
		if path == "" || !strings.HasPrefix(path, "/") {
			a.recordSkip("rule", ruleName, fmt.Sprintf("path must start with /: %q", rule.Path), a.ruleSource)
			continue
		}
		if bucket == "" {
			a.recordSkip("rule", ruleName, "missing bucket reference", a.ruleSource)
			continue
		}
		if _, ok := a.buckets[bucket]; !ok && bucket != "general" {
			a.recordSkip("rule", ruleName, fmt.Sprintf("unknown bucket %q", bucket), a.ruleSource)
			continue
		}
		key := matchKey{method: method, path: path}
		if _, ok := seen[key]; ok {
			a.recordSkip("rule", ruleName, "shadowed by earlier rule for the same method and path", a.ruleSource)
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, RuleConfig{Method: method, Path: path, Bucket: bucket})
	}
	a.rules = kept
}

func (a *limitAggregator) bundle() LimitBundle {
	a.pruneInvalidRules()
	buckets := make(map[string]BucketConfig, len(a.buckets))
	maps.Copy(buckets, a.buckets)
	skipped := slices.Clone(a.skipped)
	sort.Slice(skipped, func(i, j int) bool {
		if skipped[i].Kind == skipped[j].Kind {
			return skipped[i].Name < skipped[j].Name
		}
		return skipped[i].Kind < skipped[j].Kind
	})
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" && src != inlineSourceName {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return LimitBundle{Buckets: buckets, Rules: slices.Clone(a.rules), Sources: sources, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: limits file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: limits file %s: expected a file, found directory", path)
	}
	return nil
}

func loadLimitDocument(path string) (limitDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return limitDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return limitDocument{}, fmt.Errorf("config: load limits from %s: %w", path, err)
	}
	var doc limitDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return limitDocument{}, fmt.Errorf("config: decode limits from %s: %w", path, err)
	}
	if doc.Buckets == nil {
		doc.Buckets = make(map[string]BucketConfig)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported limits file extension %s", ext)
	}
}

func cloneBucketMap(in map[string]BucketConfig) map[string]BucketConfig {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}

func cloneRuleList(in []RuleConfig) []RuleConfig {
	if len(in) == 0 {
		return nil
	}
	return slices.Clone(in)
}
