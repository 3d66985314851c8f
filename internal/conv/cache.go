package conv

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/born-ml/convexec/internal/dnn"
	"github.com/born-ml/convexec/internal/tensor"
)

// CachedAlgo is the outcome of an algorithm search.
type CachedAlgo struct {
	Algo           dnn.Algo
	WorkspaceBytes uint64
	MathType       dnn.MathType
}

// CacheEntry is one cached search result with its key.
type CacheEntry struct {
	Key tensor.Shape
	CachedAlgo
}

type cacheValue struct {
	key  tensor.Shape
	algo CachedAlgo
}

// AlgoCache maps library facing input shapes to search results. It is
// unbounded and not safe for concurrent use; the owning kernel serializes
// access.
type AlgoCache struct {
	m *orderedmap.OrderedMap[string, cacheValue]
}

// NewAlgoCache returns an empty cache.
func NewAlgoCache() *AlgoCache {
	return &AlgoCache{m: orderedmap.New[string, cacheValue]()}
}

// Lookup returns the result cached for key.
func (c *AlgoCache) Lookup(key tensor.Shape) (CachedAlgo, bool) {
	v, ok := c.m.Get(key.Key())
	return v.algo, ok
}

// Insert stores the result for key, replacing any previous one.
func (c *AlgoCache) Insert(key tensor.Shape, algo CachedAlgo) {
	c.m.Set(key.Key(), cacheValue{key: key.Clone(), algo: algo})
}

// Clear drops every entry.
func (c *AlgoCache) Clear() {
	c.m = orderedmap.New[string, cacheValue]()
}

// Len returns the number of cached shapes.
func (c *AlgoCache) Len() int {
	return c.m.Len()
}

// Entries returns the cached results in insertion order.
func (c *AlgoCache) Entries() []CacheEntry {
	entries := make([]CacheEntry, 0, c.m.Len())
	for p := c.m.Oldest(); p != nil; p = p.Next() {
		entries = append(entries, CacheEntry{Key: p.Value.key.Clone(), CachedAlgo: p.Value.algo})
	}
	return entries
}
