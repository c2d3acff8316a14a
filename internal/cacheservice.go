package internal

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// Per-kind TTL policy. Enrichment by ISBN is essentially immutable so it
// gets a year; free-text search results churn and get hours.
var (
	_enrichISBNTTL = 365 * 24 * time.Hour
	_searchISBNTTL = 7 * 24 * time.Hour
	_searchTextTTL = 6 * time.Hour
	_coverTTL      = 30 * 24 * time.Hour
	_aiParseTTL    = 24 * time.Hour

	// _edgeTTL bounds the in-process tier. Short by design: the edge
	// exists for request-locality wins, not durability.
	_edgeTTL = 2 * time.Minute

	// _missing is a sentinel we cache for hard not-found responses when
	// negative caching is enabled.
	_missing = []byte{0}
)

// TTLFor returns the durable-tier TTL for a query kind.
func TTLFor(q Query) time.Duration {
	switch {
	case q.Kind == KindEnrich && q.Subkind == "isbn":
		return _enrichISBNTTL
	case q.Kind == KindSearch && q.Subkind == "isbn":
		return _searchISBNTTL
	case q.Kind == KindCover:
		return _coverTTL
	case q.Kind == KindAI:
		return _aiParseTTL
	default:
		return _searchTextTTL
	}
}

// CacheStatus is HIT or MISS, surfaced in the X-Cache-Status header.
type CacheStatus string

// CacheTier says which tier satisfied the read.
type CacheTier string

// Cache status and tier values.
const (
	StatusHit  CacheStatus = "HIT"
	StatusMiss CacheStatus = "MISS"

	TierEdge   CacheTier = "EDGE"
	TierKV     CacheTier = "KV"
	TierOrigin CacheTier = "origin"
)

// LoadResult is what a loader produces on a cache miss.
type LoadResult struct {
	Bytes []byte
	Meta  Meta

	// NotFound marks a hard provider not-found, eligible for the
	// bounded negative cache.
	NotFound bool
}

// Loader fetches a value from origin. It runs at most once per
// fingerprint across all concurrent callers.
type Loader func(ctx context.Context) (LoadResult, error)

// CacheResult is a value plus the observability metadata returned with
// it.
type CacheResult struct {
	Bytes    []byte
	Status   CacheStatus
	Tier     CacheTier
	TTL      time.Duration
	Provider string
	Quality  int
	Elapsed  time.Duration
}

// CacheService is the two-tier read-through in front of the providers.
// It owns the coalescer: at most one loader is in flight per fingerprint
// within this process.
type CacheService struct {
	edge  cache[[]byte]
	kv    metaCache
	group singleflight.Group

	// qualityFloor gates write-back. Values scored below it are
	// returned but not cached.
	qualityFloor int

	// negativeTTL enables the bounded negative cache for hard
	// not-found results. Zero disables it (the default); it is capped
	// at 60s.
	negativeTTL time.Duration

	metrics *cacheMetrics
}

// CacheOption configures a CacheService.
type CacheOption func(*CacheService)

// WithQualityFloor sets the minimum quality score cached values must
// meet.
func WithQualityFloor(floor int) CacheOption {
	return func(s *CacheService) { s.qualityFloor = floor }
}

// WithNegativeTTL enables negative caching of hard not-found results,
// capped at 60 seconds.
func WithNegativeTTL(ttl time.Duration) CacheOption {
	return func(s *CacheService) { s.negativeTTL = min(ttl, 60*time.Second) }
}

// NewCacheService wires the edge and KV tiers together.
func NewCacheService(edge cache[[]byte], kv metaCache, reg *prometheus.Registry, opts ...CacheOption) *CacheService {
	s := &CacheService{
		edge:    edge,
		kv:      kv,
		metrics: newCacheMetrics(reg),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get performs the two-tier read-through: edge, then KV (repopulating
// the edge), then the loader behind a coalescing group. Loader failures
// propagate to every coalesced waiter and are not cached unless the
// negative cache is enabled and the failure is a hard not-found.
func (s *CacheService) Get(ctx context.Context, q Query, loader Loader) (CacheResult, error) {
	start := time.Now()
	fp := q.Fingerprint()

	if value, ok := s.edge.Get(ctx, q.EdgeKey()); ok {
		if slices.Equal(value, _missing) {
			return CacheResult{Status: StatusHit, Tier: TierEdge, Elapsed: time.Since(start)}, errNotFound
		}
		s.metrics.hitEdgeInc()
		return CacheResult{
			Bytes:   value,
			Status:  StatusHit,
			Tier:    TierEdge,
			TTL:     TTLFor(q),
			Elapsed: time.Since(start),
		}, nil
	}

	if value, meta, ttl, ok := s.kv.GetWithMeta(ctx, fp); ok {
		if slices.Equal(value, _missing) {
			return CacheResult{Status: StatusHit, Tier: TierKV, Elapsed: time.Since(start)}, errNotFound
		}
		s.metrics.hitKVInc()
		// Repopulate the edge, best effort.
		s.edge.Set(ctx, q.EdgeKey(), value, min(_edgeTTL, ttl))
		return CacheResult{
			Bytes:    value,
			Status:   StatusHit,
			Tier:     TierKV,
			TTL:      TTLFor(q),
			Provider: meta.Provider,
			Quality:  meta.Quality,
			Elapsed:  time.Since(start),
		}, nil
	}

	out, err, shared := s.group.Do(fp, func() (any, error) {
		res, err := loader(ctx)
		if err != nil {
			return LoadResult{}, err
		}
		if res.NotFound {
			if s.negativeTTL > 0 {
				s.kv.Set(ctx, fp, _missing, s.negativeTTL)
			}
			return LoadResult{}, errNotFound
		}

		if res.Meta.Quality >= s.qualityFloor {
			s.kv.SetWithMeta(ctx, fp, res.Bytes, fuzz(TTLFor(q), 1.1), res.Meta)
			s.edge.Set(ctx, q.EdgeKey(), res.Bytes, _edgeTTL)
		} else {
			Log(ctx).Debug("skipping write-back below quality floor",
				"fingerprint", fp, "quality", res.Meta.Quality, "floor", s.qualityFloor)
		}
		return res, nil
	})
	if shared {
		s.metrics.coalescedInc()
	}
	if err != nil {
		return CacheResult{Status: StatusMiss, Tier: TierOrigin, Elapsed: time.Since(start)}, err
	}
	s.metrics.missInc()

	res := out.(LoadResult)
	return CacheResult{
		Bytes:    res.Bytes,
		Status:   StatusMiss,
		Tier:     TierOrigin,
		TTL:      TTLFor(q),
		Provider: res.Meta.Provider,
		Quality:  res.Meta.Quality,
		Elapsed:  time.Since(start),
	}, nil
}

// Invalidate drops a fingerprint from both tiers.
func (s *CacheService) Invalidate(ctx context.Context, q Query) {
	if err := s.edge.Delete(ctx, q.EdgeKey()); err != nil {
		Log(ctx).Debug("edge invalidate failed", "err", err)
	}
	if err := s.kv.Delete(ctx, q.Fingerprint()); err != nil {
		Log(ctx).Debug("kv invalidate failed", "err", err)
	}
}

// IsNotFound reports whether the error is the not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}

// fuzz scales the given duration into the range (d, d * f) so cohorts
// of entries written together don't all expire together.
func fuzz(d time.Duration, f float64) time.Duration {
	if f < 1.0 {
		f += 1.0
	}
	factor := 1.0 + rand.Float64()*(f-1.0)
	return time.Duration(float64(d) * factor)
}
