package cache

import "time"

// Defaults for the caches used on the rule loading path.
const (
	RuleSetCacheName      = "rule_sets"
	DefaultRuleSetMaxSize = 100
	DefaultRuleSetTTL     = time.Hour

	IndexCacheName      = "rule_index"
	DefaultIndexMaxSize = 500
	DefaultIndexTTL     = 15 * time.Minute
)

// NewRuleSetCache creates the cache for parsed rule sets fetched from the
// rule source. Zero arguments select the defaults.
func NewRuleSetCache[T any](maxSize int, ttl time.Duration) *Cache[T] {
	if maxSize <= 0 {
		maxSize = DefaultRuleSetMaxSize
	}
	if ttl <= 0 {
		ttl = DefaultRuleSetTTL
	}
	return New[T](Config{
		Name:       RuleSetCacheName,
		MaxSize:    maxSize,
		DefaultTTL: ttl,
	})
}

// NewIndexCache creates the cache for compiled rule indexes. Zero arguments
// select the defaults.
func NewIndexCache[T any](maxSize int, ttl time.Duration) *Cache[T] {
	if maxSize <= 0 {
		maxSize = DefaultIndexMaxSize
	}
	if ttl <= 0 {
		ttl = DefaultIndexTTL
	}
	return New[T](Config{
		Name:       IndexCacheName,
		MaxSize:    maxSize,
		DefaultTTL: ttl,
	})
}
