package internal

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCacheService(t *testing.T, opts ...CacheOption) *CacheService {
	t.Helper()
	return NewCacheService(newMemoryCache(), newMemoryCache(), nil, opts...)
}

func staticLoader(payload string, meta Meta) (Loader, *atomic.Int64) {
	calls := &atomic.Int64{}
	return func(ctx context.Context) (LoadResult, error) {
		calls.Add(1)
		return LoadResult{Bytes: []byte(payload), Meta: meta}, nil
	}, calls
}

func TestCacheServiceMissThenHit(t *testing.T) {
	t.Parallel()
	svc := newTestCacheService(t)
	q := ISBNQuery(KindEnrich, "9780134190440")
	loader, calls := staticLoader(`{"title":"The Go Programming Language"}`, Meta{Provider: "openlibrary", Quality: 90})

	res, err := svc.Get(t.Context(), q, loader)
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, res.Status)
	assert.Equal(t, TierOrigin, res.Tier)
	assert.Equal(t, "openlibrary", res.Provider)
	assert.Equal(t, int64(1), calls.Load())

	res, err = svc.Get(t.Context(), q, loader)
	require.NoError(t, err)
	assert.Equal(t, StatusHit, res.Status)
	assert.Equal(t, TierEdge, res.Tier)
	assert.Equal(t, int64(1), calls.Load(), "hit must not invoke the loader")
}

func TestCacheServiceKVRepopulatesEdge(t *testing.T) {
	t.Parallel()
	edge := newMemoryCache()
	kv := newMemoryCache()
	svc := NewCacheService(edge, kv, nil)
	q := ISBNQuery(KindEnrich, "9780134190440")
	loader, calls := staticLoader(`{}`, Meta{Provider: "openlibrary", Quality: 80})

	_, err := svc.Get(t.Context(), q, loader)
	require.NoError(t, err)

	// Drop the edge entry; the KV tier should serve and repopulate it.
	require.NoError(t, edge.Delete(t.Context(), q.EdgeKey()))

	res, err := svc.Get(t.Context(), q, loader)
	require.NoError(t, err)
	assert.Equal(t, TierKV, res.Tier)
	assert.Equal(t, int64(1), calls.Load())

	_, ok := edge.Get(t.Context(), q.EdgeKey())
	assert.True(t, ok, "KV hit should repopulate the edge")
}

func TestCacheServiceCoalescesConcurrentMisses(t *testing.T) {
	t.Parallel()
	svc := newTestCacheService(t)
	q := TextQuery("title", "dune")

	calls := &atomic.Int64{}
	release := make(chan struct{})
	loader := func(ctx context.Context) (LoadResult, error) {
		calls.Add(1)
		<-release
		return LoadResult{Bytes: []byte(`{"works":[]}`), Meta: Meta{Provider: "openlibrary", Quality: 60}}, nil
	}

	const n = 25
	var wg sync.WaitGroup
	results := make([]CacheResult, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Get(t.Context(), q, loader)
			assert.NoError(t, err)
			results[i] = res
		}()
	}

	// Give the goroutines time to pile onto the coalescer, then let the
	// single loader finish.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "concurrent misses must share one loader call")
	for _, res := range results {
		assert.Equal(t, []byte(`{"works":[]}`), res.Bytes)
	}
}

func TestCacheServiceLoaderErrorNotCached(t *testing.T) {
	t.Parallel()
	svc := newTestCacheService(t)
	q := ISBNQuery(KindEnrich, "9780000000000")

	calls := &atomic.Int64{}
	loader := func(ctx context.Context) (LoadResult, error) {
		calls.Add(1)
		return LoadResult{}, &ProviderError{Provider: "openlibrary", Kind: FailureTransient}
	}

	_, err := svc.Get(t.Context(), q, loader)
	require.Error(t, err)
	_, err = svc.Get(t.Context(), q, loader)
	require.Error(t, err)
	assert.Equal(t, int64(2), calls.Load(), "failures must not be cached")
}

func TestCacheServiceQualityFloorGatesWriteBack(t *testing.T) {
	t.Parallel()
	svc := newTestCacheService(t, WithQualityFloor(50))
	q := ISBNQuery(KindEnrich, "9780134190440")
	loader, calls := staticLoader(`{}`, Meta{Provider: "googlebooks", Quality: 30})

	res, err := svc.Get(t.Context(), q, loader)
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, res.Status)

	// Below the floor the value is served but never cached.
	res, err = svc.Get(t.Context(), q, loader)
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, res.Status)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCacheServiceNegativeCache(t *testing.T) {
	t.Parallel()
	svc := newTestCacheService(t, WithNegativeTTL(30*time.Second))
	q := ISBNQuery(KindEnrich, "9780000000000")

	calls := &atomic.Int64{}
	loader := func(ctx context.Context) (LoadResult, error) {
		calls.Add(1)
		return LoadResult{NotFound: true}, nil
	}

	_, err := svc.Get(t.Context(), q, loader)
	assert.True(t, IsNotFound(err))

	_, err = svc.Get(t.Context(), q, loader)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int64(1), calls.Load(), "second not-found should come from the negative cache")
}

func TestCacheServiceNegativeCacheDisabledByDefault(t *testing.T) {
	t.Parallel()
	svc := newTestCacheService(t)
	q := ISBNQuery(KindEnrich, "9780000000000")

	calls := &atomic.Int64{}
	loader := func(ctx context.Context) (LoadResult, error) {
		calls.Add(1)
		return LoadResult{NotFound: true}, nil
	}

	_, err := svc.Get(t.Context(), q, loader)
	assert.True(t, IsNotFound(err))
	_, err = svc.Get(t.Context(), q, loader)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int64(2), calls.Load())
}

func TestTTLPolicy(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 365*24*time.Hour, TTLFor(ISBNQuery(KindEnrich, "x")))
	assert.Equal(t, 7*24*time.Hour, TTLFor(ISBNQuery(KindSearch, "x")))
	assert.Equal(t, 6*time.Hour, TTLFor(TextQuery("title", "x")))
	assert.Equal(t, 6*time.Hour, TTLFor(TextQuery("author", "x")))
	assert.Equal(t, 30*24*time.Hour, TTLFor(ISBNQuery(KindCover, "x")))
	assert.Equal(t, 24*time.Hour, TTLFor(Query{Kind: KindAI, Subkind: "scan"}))
}

func TestFuzzStaysInRange(t *testing.T) {
	t.Parallel()

	for range 100 {
		d := fuzz(time.Hour, 1.1)
		assert.GreaterOrEqual(t, d, time.Hour)
		assert.LessOrEqual(t, d, time.Hour+6*time.Minute+time.Second)
	}
}
