package formula

import (
	"github.com/maypok86/otter"
)

// astCacheEntry is the cache payload: either a successfully parsed formula
// or the parse error it produced, so a malformed formula isn't re-parsed on
// every lookup.
type astCacheEntry struct {
	expr expr
	err  error
}

// ASTCache memoizes Parse results keyed by (source text, owning column id),
// since the same formula text can appear in many rows and re-parsing it on
// every schema reload is wasted work (spec.md §2 domain-stack note: reuse
// an LRU cache for compiled formula ASTs the way node.LatencyTable reuses
// one for per-domain stats).
type ASTCache struct {
	cache otter.Cache[string, astCacheEntry]
}

// NewASTCache builds an AST cache bounded to maxEntries distinct
// (source, column) pairs.
func NewASTCache(maxEntries int) *ASTCache {
	cache, err := otter.MustBuilder[string, astCacheEntry](maxEntries).
		Cost(func(_ string, _ astCacheEntry) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("formula: failed to create AST cache: " + err.Error())
	}
	return &ASTCache{cache: cache}
}

// Parse returns a cached parse of src (scoped to ownColumnID for same-column
// ref resolution), parsing and caching it on first use.
func (c *ASTCache) Parse(src, ownColumnID string) (expr, error) {
	key := ownColumnID + "\x00" + src
	if entry, ok := c.cache.Get(key); ok {
		return entry.expr, entry.err
	}
	e, err := Parse(src, ownColumnID)
	c.cache.Set(key, astCacheEntry{expr: e, err: err})
	return e, err
}

// Size returns the number of distinct cached entries.
func (c *ASTCache) Size() int {
	return c.cache.Size()
}

// Close releases resources held by the underlying cache.
func (c *ASTCache) Close() {
	c.cache.Close()
}
