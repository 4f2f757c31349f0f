// Package cache implements a tagged, TTL+LRU response cache: keyed by
// route+sorted-params, ETag'd, tag-invalidated, and shedding entries
// under memory pressure.
package cache

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Metadata carries the cache-entry bookkeeping spec §3 names.
type Metadata struct {
	CachedAt time.Time
	TTL      time.Duration
	ETag     string
	Tags     []string
}

// CachedResponse is spec §3's CachedResponse data model entry.
type CachedResponse struct {
	Body     []byte
	Headers  map[string]string
	Metadata Metadata
}

// IsValid reports whether the entry is still within its TTL.
func (c CachedResponse) IsValid() bool {
	if c.Metadata.TTL <= 0 {
		return false
	}
	return time.Since(c.Metadata.CachedAt) < c.Metadata.TTL
}

// Config controls cache sizing, default TTL, and whether caching is active.
type Config struct {
	MaxEntries int
	DefaultTTL time.Duration
	Enabled    bool
}

// DefaultConfig mirrors original_source's Default for CacheConfig.
func DefaultConfig() Config {
	return Config{MaxEntries: 1000, DefaultTTL: 60 * time.Second, Enabled: true}
}

// Metrics reports cache health, matching original_source's CacheMetrics.
type Metrics struct {
	TotalEntries    int
	CacheHits       uint64
	CacheMisses     uint64
	Evictions       uint64
	HitRate         float64
	MemoryUsageBytes int
}

// ResponseCache is the tagged TTL+LRU cache described in spec §4.7.
type ResponseCache struct {
	mu       sync.Mutex
	entries  map[string]CachedResponse
	order    *lru.Cache[string, struct{}]
	tagIndex map[string][]string
	config   Config
	metrics  Metrics
}

// NewResponseCache constructs a cache with the given configuration.
func NewResponseCache(cfg Config) *ResponseCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	order, _ := lru.New[string, struct{}](cfg.MaxEntries)
	return &ResponseCache{
		entries:  make(map[string]CachedResponse),
		order:    order,
		tagIndex: make(map[string][]string),
		config:   cfg,
	}
}

// GenerateCacheKey builds the cache key per spec §4.7: route alone when
// params is empty, else "route?k=v&k2=v2" with keys sorted lexicographically.
func GenerateCacheKey(route string, params map[string]string) string {
	if len(params) == 0 {
		return route
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return route + "?" + strings.Join(parts, "&")
}

// GenerateETag computes a weak ETag over the body using xxhash, spec §4.7
// and §9's frozen "stable 64-bit hash" choice.
func GenerateETag(content []byte) string {
	sum := xxhash.Sum64(content)
	return `W/"` + strconv.FormatUint(sum, 16) + `"`
}

// Get returns the cached entry for key, or ok=false on miss, expiry, or a
// disabled cache. An expired entry is evicted as a side effect.
func (c *ResponseCache) Get(key string) (CachedResponse, bool) {
	if !c.config.Enabled {
		return CachedResponse{}, false
	}

	c.mu.Lock()
	entry, found := c.entries[key]
	c.mu.Unlock()

	if !found {
		c.recordMiss()
		return CachedResponse{}, false
	}
	if !entry.IsValid() {
		c.Invalidate(key)
		c.recordMiss()
		return CachedResponse{}, false
	}

	c.mu.Lock()
	c.order.Get(key)
	c.mu.Unlock()

	c.recordHit()
	return entry, true
}

// Set inserts or replaces an entry, evicting the LRU entry first if the
// cache is at capacity and key is new.
func (c *ResponseCache) Set(key string, value CachedResponse) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	_, exists := c.entries[key]
	shouldEvict := c.order.Len() >= c.config.MaxEntries && !exists
	c.mu.Unlock()

	if shouldEvict {
		c.evictLRU()
	}

	c.mu.Lock()
	for _, tag := range value.Metadata.Tags {
		c.tagIndex[tag] = append(c.tagIndex[tag], key)
	}
	c.entries[key] = value
	c.order.Add(key, struct{}{})
	c.mu.Unlock()

	c.updateEntryCount()
}

// Invalidate removes a single key and its tag-index entries.
func (c *ResponseCache) Invalidate(key string) {
	c.mu.Lock()
	entry, found := c.entries[key]
	if !found {
		c.mu.Unlock()
		return
	}
	delete(c.entries, key)
	for _, tag := range entry.Metadata.Tags {
		kept := c.tagIndex[tag][:0]
		for _, k := range c.tagIndex[tag] {
			if k != key {
				kept = append(kept, k)
			}
		}
		c.tagIndex[tag] = kept
	}
	c.order.Remove(key)
	c.mu.Unlock()

	c.updateEntryCount()
}

// InvalidateByTag removes every entry carrying tag (P3), then clears the
// tag bucket itself.
func (c *ResponseCache) InvalidateByTag(tag string) {
	c.mu.Lock()
	keys := append([]string(nil), c.tagIndex[tag]...)
	c.mu.Unlock()

	for _, key := range keys {
		c.Invalidate(key)
	}

	c.mu.Lock()
	delete(c.tagIndex, tag)
	c.mu.Unlock()
}

// Clear empties the cache entirely.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]CachedResponse)
	c.order.Purge()
	c.tagIndex = make(map[string][]string)
	c.metrics.TotalEntries = 0
	c.metrics.MemoryUsageBytes = 0
}

// ClearPercentage evicts ceil(p*len) LRU entries, p clamped to [0,1].
func (c *ResponseCache) ClearPercentage(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}

	c.mu.Lock()
	currentSize := len(c.entries)
	toRemove := int(math.Ceil(float64(currentSize) * p))
	c.mu.Unlock()

	for i := 0; i < toRemove; i++ {
		if !c.evictLRU() {
			break
		}
	}

	c.updateEntryCount()
}

// ShouldClearOnMemoryPressure reports true once the cache is at least 90%
// full, spec §4.7's memory-pressure shedding threshold.
func (c *ResponseCache) ShouldClearOnMemoryPressure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	threshold := int(float64(c.config.MaxEntries) * 0.9)
	return len(c.entries) >= threshold
}

// evictLRU removes the single least-recently-used entry; returns false if
// the cache was already empty.
func (c *ResponseCache) evictLRU() bool {
	c.mu.Lock()
	key, _, ok := c.order.RemoveOldest()
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.entries, key)
	c.metrics.Evictions++
	c.mu.Unlock()
	return true
}

func (c *ResponseCache) recordHit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.CacheHits++
	c.updateHitRateLocked()
}

func (c *ResponseCache) recordMiss() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.CacheMisses++
	c.updateHitRateLocked()
}

func (c *ResponseCache) updateHitRateLocked() {
	total := c.metrics.CacheHits + c.metrics.CacheMisses
	if total > 0 {
		c.metrics.HitRate = float64(c.metrics.CacheHits) / float64(total)
	}
}

func (c *ResponseCache) updateEntryCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.TotalEntries = len(c.entries)
	c.metrics.MemoryUsageBytes = c.metrics.TotalEntries * 10000
}

// GetMetrics returns a snapshot of the current cache metrics.
func (c *ResponseCache) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// RoutePolicy is spec §4.7's RouteCachePolicy: per-route TTL/enabled/tags.
type RoutePolicy struct {
	TTL     time.Duration
	Enabled bool
	Tags    []string
}

// DefaultRoutePolicy is the default policy: ttl 60s, enabled, no tags. It
// takes no route; RoutePolicyFromCacheControl (or the caller) adds the
// route path as a tag.
func DefaultRoutePolicy() RoutePolicy {
	return RoutePolicy{TTL: 60 * time.Second, Enabled: true}
}

// RoutePolicyFromCacheControl parses a Cache-Control header value into a
// RoutePolicy, per original_source's from_cache_control: no-store/no-cache
// disables caching outright; max-age=<n> sets the TTL; an unparseable
// max-age leaves the default TTL untouched.
func RoutePolicyFromCacheControl(cacheControl, routePath string) RoutePolicy {
	policy := DefaultRoutePolicy()
	policy.Tags = append(policy.Tags, routePath)

	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)

		if directive == "no-store" || directive == "no-cache" {
			policy.Enabled = false
			return policy
		}

		if rest, ok := strings.CutPrefix(directive, "max-age="); ok {
			if maxAge, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 64); err == nil {
				policy.TTL = time.Duration(maxAge) * time.Second
			}
		}
	}

	return policy
}
