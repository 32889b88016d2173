package keys

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// FiltersHash produces a short stable hash of a filter set, used as the
// suffix of filtered attendance-history keys. Filters are hashed in sorted
// key order so two maps with equal contents always produce the same hash.
//
// Uses FNV-1a 64-bit (stdlib, fast, good distribution for short inputs).
func FiltersHash(filters map[string]string) string {
	if len(filters) == 0 {
		return ""
	}

	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	sort.Strings(names)

	hasher := fnv.New64a()
	for _, name := range names {
		hasher.Write([]byte(name))
		hasher.Write([]byte{'='})
		hasher.Write([]byte(filters[name]))
		hasher.Write([]byte{';'})
	}

	return fmt.Sprintf("%016x", hasher.Sum64())
}
