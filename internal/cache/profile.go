package cache

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// WorldProfile is the structured description of a world that the context
// builder renders into prompt text. ID and Name are required; everything else
// is optional color.
type WorldProfile struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Genre       string   `json:"genre,omitempty"`
	Tone        string   `json:"tone,omitempty"`
	Audience    string   `json:"audience,omitempty"`
	Description string   `json:"description,omitempty"`
	Themes      []string `json:"themes,omitempty"`
	Factions    []string `json:"factions,omitempty"`
	Locations   []string `json:"locations,omitempty"`
	Rules       []string `json:"rules,omitempty"`
}

// Validate reports whether the profile carries the required identity fields.
func (p WorldProfile) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("cache: world profile missing id")
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("cache: world profile missing name")
	}
	return nil
}

// Normalized returns a copy of the profile with its list fields sorted.
// Hashing and rendering both work from this canonical projection, so
// permuted inputs share a key and a rendering.
func (p WorldProfile) Normalized() WorldProfile {
	out := p
	out.Themes = sortedCopy(p.Themes)
	out.Factions = sortedCopy(p.Factions)
	out.Locations = sortedCopy(p.Locations)
	out.Rules = sortedCopy(p.Rules)
	return out
}

// Hash computes a deterministic FNV-1a digest of the profile's canonical
// form and returns it hex-encoded for use as a cache key.
//
// The canonical form writes fields in a fixed order separated by "|"; list
// fields are sorted and comma-joined, and absent fields collapse to the
// empty string. Two profiles that differ only in list ordering or in
// omitted-versus-empty optional fields therefore share a key. Hashing cannot
// fail: any profile yields a stable key.
func (p WorldProfile) Hash() string {
	h := fnv.New64a()
	for _, field := range []string{
		p.ID,
		p.Name,
		p.Genre,
		p.Tone,
		p.Audience,
		p.Description,
		sortedJoin(p.Themes),
		sortedJoin(p.Factions),
		sortedJoin(p.Locations),
		sortedJoin(p.Rules),
	} {
		_, _ = h.Write([]byte(field))
		_, _ = h.Write([]byte("|"))
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// sortedJoin canonicalizes a list field without mutating the caller's slice.
func sortedJoin(values []string) string {
	return strings.Join(sortedCopy(values), ",")
}

func sortedCopy(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	sorted := make([]string, len(values))
	copy(sorted, values)
	sort.Strings(sorted)
	return sorted
}
