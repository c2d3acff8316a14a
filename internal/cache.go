package internal

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
)

// cache is a TTL'd key/value store. All writes are fail-open: callers
// never see a write error on the read path.
type cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	GetWithTTL(ctx context.Context, key string) (V, time.Duration, bool)
	Set(ctx context.Context, key string, value V, ttl time.Duration)
	Delete(ctx context.Context, key string) error

	// Expire invalidates a key without deleting it, so the value is
	// still available for fallbacks.
	Expire(ctx context.Context, key string) error
}

// Meta rides alongside durable cache values.
type Meta struct {
	Provider   string
	Quality    int
	InsertedAt time.Time
}

// metaCache is a cache that can persist value metadata. The KV tier
// implements this; the edge tier does not need to.
type metaCache interface {
	cache[[]byte]

	GetWithMeta(ctx context.Context, key string) ([]byte, Meta, time.Duration, bool)
	SetWithMeta(ctx context.Context, key string, value []byte, ttl time.Duration, meta Meta)
}

// edgeCache is the short-TTL in-process tier, backed by ristretto. It
// holds serialized responses keyed by the fingerprint's edge form.
type edgeCache struct {
	c *gocache.Cache[[]byte]
}

var _ cache[[]byte] = (*edgeCache)(nil)

// NewEdgeCache creates the in-process tier. Costs are value sizes, so
// maxBytes bounds total memory.
func NewEdgeCache(maxBytes int64) (*edgeCache, error) {
	r, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &edgeCache{c: gocache.New[[]byte](ristretto_store.NewRistretto(r))}, nil
}

func (e *edgeCache) Get(ctx context.Context, key string) ([]byte, bool) {
	v, err := e.c.Get(ctx, key)
	return v, err == nil && v != nil
}

func (e *edgeCache) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	v, ttl, err := e.c.GetWithTTL(ctx, key)
	return v, ttl, err == nil && v != nil
}

func (e *edgeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := e.c.Set(ctx, key, value, store.WithExpiration(ttl), store.WithCost(int64(len(value)))); err != nil {
		Log(ctx).Debug("edge set failed", "key", key, "err", err)
	}
}

func (e *edgeCache) Delete(ctx context.Context, key string) error {
	return e.c.Delete(ctx, key)
}

func (e *edgeCache) Expire(ctx context.Context, key string) error {
	return e.c.Delete(ctx, key)
}

// NewMemoryCache returns an in-memory durable tier, for tests and for
// running without Postgres.
func NewMemoryCache() *memoryCache {
	return newMemoryCache()
}

// memoryCache is an in-memory metaCache. It tracks expiry without
// evicting, mirroring how the KV tier keeps expired rows around until
// vacuumed.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value   []byte
	meta    Meta
	expires time.Time
}

var _ metaCache = (*memoryCache)(nil)

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string]memoryEntry{}}
}

func (m *memoryCache) Get(ctx context.Context, key string) ([]byte, bool) {
	v, _, ok := m.GetWithTTL(ctx, key)
	return v, ok
}

func (m *memoryCache) GetWithTTL(_ context.Context, key string) ([]byte, time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, 0, false
	}
	ttl := time.Until(e.expires)
	if ttl <= 0 {
		return e.value, 0, false
	}
	return e.value, ttl, true
}

func (m *memoryCache) GetWithMeta(_ context.Context, key string) ([]byte, Meta, time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || time.Now().After(e.expires) {
		return nil, Meta{}, 0, false
	}
	return e.value, e.meta, time.Until(e.expires), true
}

func (m *memoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	m.SetWithMeta(ctx, key, value, ttl, Meta{InsertedAt: time.Now()})
}

func (m *memoryCache) SetWithMeta(_ context.Context, key string, value []byte, ttl time.Duration, meta Meta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if meta.InsertedAt.IsZero() {
		meta.InsertedAt = time.Now()
	}
	m.entries[key] = memoryEntry{value: value, meta: meta, expires: time.Now().Add(ttl)}
}

func (m *memoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *memoryCache) Expire(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		e.expires = time.Now().Add(-time.Second)
		m.entries[key] = e
	}
	return nil
}
