package backend

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"sigmac/metrics"
)

// DefaultCacheSize is the number of compiled rules a CachingCompiler keeps
// when no size is given.
const DefaultCacheSize = 1000

// CachingCompiler memoises compiled rules by the content hash of their
// input. Failed compiles are not cached.
type CachingCompiler struct {
	next  Compiler
	cache *lru.Cache[string, *CompiledRule]
}

// NewCachingCompiler wraps next with an LRU cache of the given size.
func NewCachingCompiler(next Compiler, size int) (*CachingCompiler, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.NewWithEvict[string, *CompiledRule](size, func(string, *CompiledRule) {
		metrics.CacheEvictionsTotal.Inc()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create compiled rule cache: %w", err)
	}
	return &CachingCompiler{next: next, cache: cache}, nil
}

// Compile returns the cached result for an identical input, compiling and
// caching it otherwise.
func (c *CachingCompiler) Compile(in RuleInput) (*CompiledRule, error) {
	key, err := ContentHash(in)
	if err != nil {
		return c.next.Compile(in)
	}
	if rule, ok := c.cache.Get(key); ok {
		metrics.CacheHitsTotal.Inc()
		return rule, nil
	}
	metrics.CacheMissesTotal.Inc()

	rule, err := c.next.Compile(in)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, rule)
	return rule, nil
}

// Len returns the number of cached rules.
func (c *CachingCompiler) Len() int {
	return c.cache.Len()
}

// Purge empties the cache.
func (c *CachingCompiler) Purge() {
	c.cache.Purge()
}

// ContentHash returns the SHA-256 of the JSON encoding of a rule input. Map
// keys are encoded in sorted order, so equal inputs hash equally.
func ContentHash(in RuleInput) (string, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("failed to encode rule %q: %w", in.ID, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
