package expressions

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// compiledCacheSize bounds every engine's cache of parsed expressions.
// Interpolated configs make each distinct value a distinct key, so the
// least recently used entries are evicted.
const compiledCacheSize = 1024

func newCompiledCache[V any](size int) *lru.Cache[string, V] {
	if size <= 0 {
		size = compiledCacheSize
	}
	c, err := lru.New[string, V](size)
	if err != nil {
		// lru.New only fails for a non-positive size.
		panic(err)
	}
	return c
}
