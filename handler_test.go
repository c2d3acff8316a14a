package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/blampe/bookdex/internal"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// olPayload is a minimal Open Library search response.
const olPayload = `{
	"numFound": 1,
	"docs": [{
		"key": "/works/OL45883W",
		"title": "The Left Hand of Darkness",
		"author_name": ["Ursula K. Le Guin"],
		"first_publish_year": 1969,
		"publisher": ["Ace Books"],
		"isbn": ["9780441478125"],
		"cover_i": 12345,
		"number_of_pages_median": 304
	}]
}`

type testEnv struct {
	server  *httptest.Server
	origins *atomic.Int64
}

func newTestEnv(t *testing.T, mods ...func(*handler)) *testEnv {
	t.Helper()

	origins := &atomic.Int64{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origins.Add(1)
		w.Write([]byte(olPayload))
	}))
	t.Cleanup(upstream.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	reg := internal.NewMetrics()
	cacheSvc := internal.NewCacheService(internal.NewMemoryCache(), internal.NewMemoryCache(), reg)
	orch := internal.NewOrchestrator(internal.NewOpenLibrary(upstream.Client(), upstream.URL, reg))

	jobs := internal.NewJobManager(
		internal.NewMemoryJobStore(),
		func(ctx context.Context, item internal.BatchItem) (string, error) {
			return "isbn:" + item.ISBN, nil
		},
		reg,
	)

	h := &handler{
		cache:   cacheSvc,
		orch:    orch,
		covers:  internal.NewCoverArt(upstream.Client(), upstream.URL, reg),
		vision:  internal.NewVision(upstream.Client(), upstream.URL, internal.StaticSecret("t"), reg),
		jobs:    jobs,
		limiter: internal.NewRateLimiter(rdb, map[internal.EndpointClass]int64{internal.ClassSearch: 50}),
		checks:  map[string]func(context.Context) error{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	for _, mod := range mods {
		mod(h)
	}

	srv := httptest.NewServer(h.routes(reg))
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, origins: origins}
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	defer resp.Body.Close()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func TestSearchISBNMissThenHit(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	url := env.server.URL + "/v1/search/isbn?isbn=9780441478125"

	resp, err := http.Get(url)
	require.NoError(t, err)
	first := decodeEnvelope(t, resp)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache-Status"))
	assert.Equal(t, "604800", resp.Header.Get("X-Cache-TTL"), "seven-day policy for ISBN search")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.True(t, first.Success)
	require.NotNil(t, first.Metadata)
	assert.False(t, first.Metadata.Cached)
	assert.Equal(t, "openlibrary", first.Metadata.Source)

	resp, err = http.Get(url)
	require.NoError(t, err)
	second := decodeEnvelope(t, resp)

	assert.Equal(t, "HIT", resp.Header.Get("X-Cache-Status"))
	assert.Equal(t, "604800", resp.Header.Get("X-Cache-TTL"))
	assert.True(t, second.Metadata.Cached)
	assert.Equal(t, "EDGE", second.Metadata.CacheSource)
	assert.Equal(t, int64(1), env.origins.Load(), "second request must come from cache")
}

func TestSearchISBNValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/v1/search/isbn?isbn=banana")
	require.NoError(t, err)
	body := decodeEnvelope(t, resp)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, body.Success)
	require.NotNil(t, body.Error)
	assert.Equal(t, http.StatusBadRequest, body.Error.Code)
}

func TestSearchTitleReturnsWorks(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/v1/search/title?q=left+hand+of+darkness")
	require.NoError(t, err)
	body := decodeEnvelope(t, resp)

	require.True(t, body.Success)
	raw, err := json.Marshal(body.Data)
	require.NoError(t, err)

	var result internal.SearchResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Works, 1)
	assert.Equal(t, "The Left Hand of Darkness", result.Works[0].Title)
	assert.Equal(t, "openlibrary", result.Provider)
}

func TestSearchTitleRequiresQuery(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/v1/search/title")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimitedSearchGets429(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	url := env.server.URL + "/v1/search/title?q=dune"

	var last *http.Response
	for range 51 {
		resp, err := http.Get(url)
		require.NoError(t, err)
		resp.Body.Close()
		last = resp
	}
	assert.Equal(t, http.StatusTooManyRequests, last.StatusCode)
	assert.NotEmpty(t, last.Header.Get("Retry-After"))
}

func TestBatchEnrichmentLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, err := http.Post(env.server.URL+"/v1/batch-enrichment", "application/json",
		strings.NewReader(`{"items":[{"isbn":"9780441478125"},{"isbn":"9780060512750"}]}`))
	require.NoError(t, err)
	body := decodeEnvelope(t, resp)

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	raw, _ := json.Marshal(body.Data)
	var launched internal.LaunchResult
	require.NoError(t, json.Unmarshal(raw, &launched))
	assert.NotEmpty(t, launched.JobID)
	assert.Len(t, launched.AuthToken, 36)
	assert.Contains(t, launched.StreamURL, launched.JobID)

	// Snapshot with the wrong token is rejected.
	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/v1/batch-enrichment/"+launched.JobID, nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// With the right token it answers.
	req.Header.Set("Authorization", "Bearer "+launched.AuthToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBatchCancelRequiresToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, err := http.Post(env.server.URL+"/v1/batch-enrichment", "application/json",
		strings.NewReader(`{"items":[{"isbn":"9780441478125"}]}`))
	require.NoError(t, err)
	body := decodeEnvelope(t, resp)
	raw, _ := json.Marshal(body.Data)
	var launched internal.LaunchResult
	require.NoError(t, json.Unmarshal(raw, &launched))

	req, _ := http.NewRequest(http.MethodPost,
		env.server.URL+"/v1/batch-enrichment/"+launched.JobID+"/cancel", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTokenRefreshOutsideWindowIs400(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, err := http.Post(env.server.URL+"/v1/batch-enrichment", "application/json",
		strings.NewReader(`{"items":[{"isbn":"9780441478125"}]}`))
	require.NoError(t, err)
	body := decodeEnvelope(t, resp)
	raw, _ := json.Marshal(body.Data)
	var launched internal.LaunchResult
	require.NoError(t, json.Unmarshal(raw, &launched))

	resp, err = http.Post(env.server.URL+"/api/token/refresh", "application/json",
		strings.NewReader(`{"jobId":"`+launched.JobID+`","token":"`+launched.AuthToken+`"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "fresh token is outside the refresh window")
}

func TestProgressRequiresUpgrade(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/ws/progress?jobId=whatever")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestProgressStreamOverWebsocket(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, err := http.Post(env.server.URL+"/v1/batch-enrichment", "application/json",
		strings.NewReader(`{"items":[{"isbn":"9780441478125"}]}`))
	require.NoError(t, err)
	body := decodeEnvelope(t, resp)
	raw, _ := json.Marshal(body.Data)
	var launched internal.LaunchResult
	require.NoError(t, json.Unmarshal(raw, &launched))

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") +
		"/ws/progress?jobId=" + launched.JobID + "&token=" + launched.AuthToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg internal.StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, internal.MsgHello, msg.Type)
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, internal.MsgSnapshot, msg.Type)
}

func TestImportCSV(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, err := http.Post(env.server.URL+"/v1/books/import/csv", "text/csv",
		strings.NewReader("isbn,title\n9780441478125,The Left Hand of Darkness\n"))
	require.NoError(t, err)
	body := decodeEnvelope(t, resp)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, body.Success)
}

func TestImportCSVMalformedIs400(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, err := http.Post(env.server.URL+"/v1/books/import/csv", "text/csv",
		strings.NewReader("nonsense,columns\n1,2\n"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLegacyBodySkipsEnvelope(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(h *handler) { h.legacyBody = true })

	resp, err := http.Get(env.server.URL + "/v1/search/isbn?isbn=9780441478125")
	require.NoError(t, err)
	defer resp.Body.Close()

	var work internal.WorkResource
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&work))
	assert.Equal(t, "The Left Hand of Darkness", work.Title)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache-Status"), "cache headers survive the legacy shape")
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
