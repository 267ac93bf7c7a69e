package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	hits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lakekeeper_cache_hits_total",
		Help: "Cache hits per cache.",
	}, []string{"cache"})
	misses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lakekeeper_cache_misses_total",
		Help: "Cache misses per cache.",
	}, []string{"cache"})
	sizes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lakekeeper_cache_size",
		Help: "Current entry count per cache.",
	}, []string{"cache"})
)

func init() {
	prometheus.MustRegister(hits, misses, sizes)
}

// fenced wraps a cached value with the entity version observed at load time.
type fenced[V any] struct {
	value   V
	version int64
}

// Cache is a TTL+LRU cache whose entries carry a version fence. A lookup
// supplies the currently-known version; an entry whose fence is stale is
// discarded as a miss.
type Cache[K comparable, V any] struct {
	name string
	lru  *expirable.LRU[K, fenced[V]]
}

// New creates a named cache with the given capacity and TTL.
func New[K comparable, V any](name string, size int, ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		name: name,
		lru:  expirable.NewLRU[K, fenced[V]](size, nil, ttl),
	}
}

// Get returns the cached value for key if present, unexpired, and fenced at
// exactly version. Pass VersionAny to skip the fence (immutable values).
func (c *Cache[K, V]) Get(key K, version int64) (V, bool) {
	entry, ok := c.lru.Get(key)
	if !ok {
		misses.WithLabelValues(c.name).Inc()
		var zero V
		return zero, false
	}
	if version != VersionAny && entry.version != version {
		c.lru.Remove(key)
		misses.WithLabelValues(c.name).Inc()
		var zero V
		return zero, false
	}
	hits.WithLabelValues(c.name).Inc()
	return entry.value, true
}

// GetAny returns the cached value regardless of fence, together with the
// fenced version. Used by readers that tolerate TTL-bounded staleness.
func (c *Cache[K, V]) GetAny(key K) (V, int64, bool) {
	entry, ok := c.lru.Get(key)
	if !ok {
		misses.WithLabelValues(c.name).Inc()
		var zero V
		return zero, 0, false
	}
	hits.WithLabelValues(c.name).Inc()
	return entry.value, entry.version, true
}

// Put stores value fenced at version.
func (c *Cache[K, V]) Put(key K, value V, version int64) {
	c.lru.Add(key, fenced[V]{value: value, version: version})
	sizes.WithLabelValues(c.name).Set(float64(c.lru.Len()))
}

// Remove drops the entry for key.
func (c *Cache[K, V]) Remove(key K) {
	c.lru.Remove(key)
	sizes.WithLabelValues(c.name).Set(float64(c.lru.Len()))
}

// Purge drops every entry.
func (c *Cache[K, V]) Purge() {
	c.lru.Purge()
	sizes.WithLabelValues(c.name).Set(0)
}

// Len returns the current entry count.
func (c *Cache[K, V]) Len() int {
	return c.lru.Len()
}

// VersionAny disables fence checking for a lookup.
const VersionAny int64 = -1
