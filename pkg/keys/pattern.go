package keys

import "strings"

// Match reports whether a cache key matches a glob pattern.
//
// Supported pattern classes, in order of cost:
//   - Exact: "metrics:student:42" matches only that key
//   - Prefix wildcard: "metrics:class:7:*" (the common invalidation case)
//   - Suffix wildcard: "*:average"
//   - Contains: "*:rank:*"
//
// Complexity: O(k) where k = key length.
func Match(key, pattern string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}

	leading := strings.HasPrefix(pattern, "*")
	trailing := strings.HasSuffix(pattern, "*")

	switch {
	case leading && trailing:
		return strings.Contains(key, strings.Trim(pattern, "*"))
	case trailing:
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	case leading:
		return strings.HasSuffix(key, strings.TrimPrefix(pattern, "*"))
	default:
		return key == pattern
	}
}

// MatchAll returns the subset of keys matching the pattern, preserving input
// order. Complexity: O(n*k) for n keys of length k.
func MatchAll(pattern string, candidates []string) []string {
	matches := make([]string, 0)
	for _, key := range candidates {
		if Match(key, pattern) {
			matches = append(matches, key)
		}
	}
	return matches
}

// IsWildcard reports whether a pattern contains a wildcard.
func IsWildcard(pattern string) bool {
	return strings.Contains(pattern, "*")
}
