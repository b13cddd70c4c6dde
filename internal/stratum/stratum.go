// Package stratum defines the ordered facet path that buckets assessments
// for per-stratum statistics. The same path scheme keys both the
// false-negative counters and the coverage outcome log, so hierarchical
// fallback is a structural operation rather than string surgery.
package stratum

import "strings"

// #region types

// Facet is a single key:value component of a stratum path.
type Facet struct {
	Key   string
	Value string
}

// Path is an ordered sequence of facets, most significant first,
// e.g. region:west|severity:high. The zero value means "no stratum
// supplied". The explicit global bucket is a distinct sentinel.
type Path struct {
	facets []Facet
	global bool
}

// GlobalKey is the storage key of the global fallback bucket.
const GlobalKey = "global"

// #endregion types

// #region constructors

// New builds a path from ordered facets.
func New(facets ...Facet) Path {
	if len(facets) == 0 {
		return Path{}
	}
	cp := make([]Facet, len(facets))
	copy(cp, facets)
	return Path{facets: cp}
}

// Global returns the explicit global bucket.
func Global() Path {
	return Path{global: true}
}

// Parse reads a region:west|severity:high style string. "global" parses
// to the global bucket; an empty string parses to the zero path. A
// component without a colon becomes a facet with an empty key.
func Parse(s string) Path {
	s = strings.TrimSpace(s)
	if s == "" {
		return Path{}
	}
	if s == GlobalKey {
		return Global()
	}
	parts := strings.Split(s, "|")
	facets := make([]Facet, 0, len(parts))
	for _, p := range parts {
		key, val, found := strings.Cut(p, ":")
		if !found {
			facets = append(facets, Facet{Value: p})
			continue
		}
		facets = append(facets, Facet{Key: key, Value: val})
	}
	return Path{facets: facets}
}

// #endregion constructors

// #region accessors

// String renders the storage key for this path.
func (p Path) String() string {
	if p.global {
		return GlobalKey
	}
	if len(p.facets) == 0 {
		return ""
	}
	parts := make([]string, len(p.facets))
	for i, f := range p.facets {
		if f.Key == "" {
			parts[i] = f.Value
			continue
		}
		parts[i] = f.Key + ":" + f.Value
	}
	return strings.Join(parts, "|")
}

// Len returns the number of facets. Zero for both the zero path and the
// global bucket.
func (p Path) Len() int {
	return len(p.facets)
}

// IsZero reports whether no stratum was supplied.
func (p Path) IsZero() bool {
	return !p.global && len(p.facets) == 0
}

// IsGlobal reports whether this is the explicit global bucket.
func (p Path) IsGlobal() bool {
	return p.global
}

// #endregion accessors

// #region fallback

// DropTrailing returns the path with the last n facets removed. Dropping
// every facet (or more) collapses to the global bucket.
func (p Path) DropTrailing(n int) Path {
	if p.global {
		return p
	}
	if n >= len(p.facets) {
		return Global()
	}
	if n <= 0 {
		return p
	}
	return New(p.facets[:len(p.facets)-n]...)
}

// FallbackChain returns the hierarchical lookup order: the specific path,
// then one and two trailing facets dropped, then the global bucket.
// Duplicate levels (short paths) are collapsed.
func (p Path) FallbackChain() []Path {
	chain := []Path{p, p.DropTrailing(1), p.DropTrailing(2), Global()}
	out := chain[:0]
	seen := make(map[string]bool, len(chain))
	for _, lvl := range chain {
		key := lvl.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, lvl)
	}
	return out
}

// #endregion fallback
