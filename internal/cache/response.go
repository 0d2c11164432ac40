package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/rari-dev/rari/internal/domain"
	"github.com/rari-dev/rari/internal/pkg/crypto"
)

// ResponseEntry is one cached render result, keyed by Fingerprint.
type ResponseEntry struct {
	Body        []byte            `json:"body"`
	ContentType string            `json:"content_type"`
	Headers     map[string]string `json:"headers,omitempty"`
}

func (e *ResponseEntry) size() int64 {
	n := int64(len(e.Body)) + int64(len(e.ContentType))
	for k, v := range e.Headers {
		n += int64(len(k) + len(v))
	}
	return n
}

// Fingerprint derives the Response Cache key for a route render: the path
// plus its sorted path params and sorted search params, hashed so the key
// has a fixed, predictable size regardless of query string length.
func Fingerprint(path string, params, searchParams map[string]string) string {
	var b strings.Builder
	b.WriteString(path)
	b.WriteByte('|')
	writeSorted(&b, params)
	b.WriteByte('|')
	writeSorted(&b, searchParams)
	return crypto.HashString(b.String())
}

func writeSorted(b *strings.Builder, m map[string]string) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
	}
}

type responseCacheEntry struct {
	fingerprint string
	path        string
	tags        []string
	size        int64
	elem        *list.Element // position in lru
}

// ResponseCache is the byte-bounded, tag-invalidatable L1 index behind the
// gateway's page render cache. It satisfies spec.md §4.J's fingerprint,
// tag, and path invalidation contract; cross-instance consistency is
// layered on top by CacheInvalidator publishing path/tag events over Redis
// Pub/Sub (see invalidator.go).
//
// The index (LRU ordering, byte budget, path/tag membership) is kept
// locally, but the entry bytes themselves are stored and fetched through a
// backing Cache — NewResponseCache uses a bare InMemoryCache, while a
// gateway configured with Cache.RedisAddr wires a TieredCache of
// InMemoryCache (L1) + RedisCache (L2) instead, giving the Response Cache
// the same multi-instance reach as the rest of the cache package.
//
// No pack example imports a third-party LRU library; container/list plus a
// map is the same structure go-redis and the domain stack's own
// InMemoryCache reach for when they need bounded eviction, so that's what
// this uses too.
type ResponseCache struct {
	mu        sync.Mutex
	maxBytes  int64
	usedBytes int64
	entries   map[string]*responseCacheEntry // fingerprint -> entry
	lru       *list.List                     // front = most recently used
	byPath    map[string]map[string]struct{} // path -> set of fingerprints
	byTag     map[string]map[string]struct{} // tag -> set of fingerprints
	metrics   domain.CacheMetrics
	backing   Cache
}

// NewResponseCache constructs a cache bounded to maxBytes of entry payload,
// backed by a plain in-process InMemoryCache. Use
// NewResponseCacheWithBacking to share entries across instances via a
// TieredCache/RedisCache backing.
func NewResponseCache(maxBytes int64) *ResponseCache {
	return NewResponseCacheWithBacking(maxBytes, NewInMemoryCache())
}

// NewResponseCacheWithBacking constructs a cache bounded to maxBytes of
// tracked payload whose entry bytes are stored in backing rather than in
// the index itself.
func NewResponseCacheWithBacking(maxBytes int64, backing Cache) *ResponseCache {
	return &ResponseCache{
		maxBytes: maxBytes,
		entries:  make(map[string]*responseCacheEntry),
		lru:      list.New(),
		byPath:   make(map[string]map[string]struct{}),
		byTag:    make(map[string]map[string]struct{}),
		backing:  backing,
	}
}

// Get returns the cached entry for fingerprint, if present, marking it most
// recently used.
func (c *ResponseCache) Get(fingerprint string) (*ResponseEntry, bool) {
	c.mu.Lock()
	e, ok := c.entries[fingerprint]
	if !ok {
		c.metrics.Misses++
		c.mu.Unlock()
		return nil, false
	}
	c.lru.MoveToFront(e.elem)
	c.metrics.Hits++
	c.mu.Unlock()

	data, err := c.backing.Get(context.Background(), fingerprint)
	if err != nil {
		return nil, false
	}
	value, err := UnmarshalEntry(data)
	if err != nil {
		return nil, false
	}
	return value, true
}

// Put stores value under fingerprint, associated with path (for path-level
// invalidation) and tags (for tag-level invalidation), evicting the least
// recently used entries if the store exceeds its byte budget.
func (c *ResponseCache) Put(fingerprint, path string, value *ResponseEntry, tags []string) {
	data, err := MarshalEntry(value)
	if err != nil {
		return
	}
	if err := c.backing.Set(context.Background(), fingerprint, data, 0); err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[fingerprint]; ok {
		c.removeLocked(old)
	}

	size := value.size()
	e := &responseCacheEntry{fingerprint: fingerprint, path: path, tags: tags, size: size}
	e.elem = c.lru.PushFront(e)
	c.entries[fingerprint] = e
	c.usedBytes += size

	c.index(c.byPath, path, fingerprint)
	for _, t := range tags {
		c.index(c.byTag, t, fingerprint)
	}

	c.metrics.EntryCount = len(c.entries)
	c.metrics.BytesInUse = c.usedBytes

	c.evictIfNeededLocked()
}

func (c *ResponseCache) index(idx map[string]map[string]struct{}, key, fingerprint string) {
	if key == "" {
		return
	}
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[fingerprint] = struct{}{}
}

// evictIfNeededLocked evicts from the back of the LRU until usedBytes fits
// within maxBytes. Must be called with c.mu held.
func (c *ResponseCache) evictIfNeededLocked() {
	if c.maxBytes <= 0 {
		return
	}
	for c.usedBytes > c.maxBytes {
		back := c.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*responseCacheEntry)
		c.removeLocked(e)
		c.metrics.Evictions++
	}
	c.metrics.EntryCount = len(c.entries)
	c.metrics.BytesInUse = c.usedBytes
}

// removeLocked deletes e from every index and from the backing store. Must
// be called with c.mu held.
func (c *ResponseCache) removeLocked(e *responseCacheEntry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.fingerprint)
	c.usedBytes -= e.size
	_ = c.backing.Delete(context.Background(), e.fingerprint)

	if set, ok := c.byPath[e.path]; ok {
		delete(set, e.fingerprint)
		if len(set) == 0 {
			delete(c.byPath, e.path)
		}
	}
	for _, t := range e.tags {
		if set, ok := c.byTag[t]; ok {
			delete(set, e.fingerprint)
			if len(set) == 0 {
				delete(c.byTag, t)
			}
		}
	}
}

// Invalidate evicts every cached entry recorded against path.
func (c *ResponseCache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for fp := range c.byPath[path] {
		if e, ok := c.entries[fp]; ok {
			c.removeLocked(e)
		}
	}
	c.metrics.EntryCount = len(c.entries)
	c.metrics.BytesInUse = c.usedBytes
}

// InvalidateByTag evicts every cached entry carrying tag.
func (c *ResponseCache) InvalidateByTag(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for fp := range c.byTag[tag] {
		if e, ok := c.entries[fp]; ok {
			c.removeLocked(e)
		}
	}
	c.metrics.EntryCount = len(c.entries)
	c.metrics.BytesInUse = c.usedBytes
}

// InvalidateAll evicts everything.
func (c *ResponseCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for fp := range c.entries {
		_ = c.backing.Delete(context.Background(), fp)
	}
	c.entries = make(map[string]*responseCacheEntry)
	c.lru = list.New()
	c.byPath = make(map[string]map[string]struct{})
	c.byTag = make(map[string]map[string]struct{})
	c.usedBytes = 0
	c.metrics.EntryCount = 0
	c.metrics.BytesInUse = 0
}

// GetMetrics returns a snapshot of the cache's hit/miss/eviction counters.
func (c *ResponseCache) GetMetrics() domain.CacheMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// InvalidateLocalPath implements Invalidatable for CacheInvalidator, so a
// path-invalidation event received over Redis Pub/Sub evicts this node's L1
// entries without re-publishing (avoiding an infinite loop).
func (c *ResponseCache) InvalidateLocalPath(path string) {
	c.Invalidate(path)
}

// InvalidateLocalTag implements Invalidatable for CacheInvalidator.
func (c *ResponseCache) InvalidateLocalTag(tag string) {
	c.InvalidateByTag(tag)
}

// MarshalEntry and UnmarshalEntry let a ResponseEntry cross an L2 (Redis)
// boundary as bytes, matching the Cache interface's []byte contract.
func MarshalEntry(e *ResponseEntry) ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalEntry(data []byte) (*ResponseEntry, error) {
	var e ResponseEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
