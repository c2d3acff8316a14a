package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want FailureKind
	}{
		{http.StatusOK, FailureUnknown},
		{http.StatusBadRequest, FailureBadRequest},
		{http.StatusUnauthorized, FailureUnauthenticated},
		{http.StatusForbidden, FailureUnauthenticated},
		{http.StatusNotFound, FailureNotFound},
		{http.StatusTooManyRequests, FailureRateLimited},
		{http.StatusInternalServerError, FailureTransient},
		{http.StatusBadGateway, FailureTransient},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyStatus(tt.code), "code=%d", tt.code)
	}
}

func TestFailureKindOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, FailureRateLimited,
		failureKindOf(&ProviderError{Provider: "x", Kind: FailureRateLimited}))
	assert.Equal(t, FailureTimeout, failureKindOf(context.DeadlineExceeded))
	assert.Equal(t, FailureUnknown, failureKindOf(assert.AnError))
}

func TestRetryAfterHint(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	assert.Zero(t, retryAfterHint(h))

	h.Set("Retry-After", "30")
	assert.Equal(t, 30*time.Second, retryAfterHint(h))

	h.Set("Retry-After", "Wed, 21 Oct 2015 07:28:00 GMT")
	assert.Zero(t, retryAfterHint(h), "HTTP-date form is ignored")
}

func TestUpstreamClassifiesResponses(t *testing.T) {
	t.Parallel()

	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "7")
		}
		w.WriteHeader(status)
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	up := newUpstream("testprov", srv.Client(), nil)

	status = http.StatusNotFound
	err := up.getJSON(t.Context(), srv.URL, nil, &struct{}{})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, FailureNotFound, pe.Kind)
	assert.Equal(t, "testprov", pe.Provider)

	status = http.StatusTooManyRequests
	err = up.getJSON(t.Context(), srv.URL, nil, &struct{}{})
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, FailureRateLimited, pe.Kind)
	assert.Equal(t, 7*time.Second, pe.RetryAfter)
}

func TestUpstreamMalformedPayload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"numFound": "not a number`))
	}))
	t.Cleanup(srv.Close)

	up := newUpstream("testprov", srv.Client(), nil)
	var out struct {
		NumFound int `json:"numFound"`
	}
	err := up.getJSON(t.Context(), srv.URL, nil, &out)
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, FailureMalformed, pe.Kind)
}

func TestUpstreamBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	up := newUpstream("testprov", srv.Client(), nil)
	for range 5 {
		_ = up.getJSON(t.Context(), srv.URL, nil, &struct{}{})
	}

	// The sixth call never reaches the wire.
	err := up.getJSON(t.Context(), srv.URL, nil, &struct{}{})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, FailureTransient, pe.Kind)
}

func TestOpenLibraryMapsSearchDocs(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search.json", r.URL.Path)
		assert.Equal(t, "left hand of darkness", r.URL.Query().Get("title"))
		w.Write([]byte(`{
			"numFound": 1,
			"docs": [{
				"key": "/works/OL45883W",
				"title": "The Left Hand of Darkness",
				"author_name": ["Ursula K. Le Guin"],
				"first_publish_year": 1969,
				"language": ["eng"],
				"publisher": ["Ace Books"],
				"isbn": ["0441478123", "9780441478125"],
				"cover_i": 12345,
				"subject": ["Science fiction", "Gethen"],
				"number_of_pages_median": 304
			}]
		}`))
	}))
	t.Cleanup(srv.Close)

	ol := NewOpenLibrary(srv.Client(), srv.URL, nil)
	works, err := ol.Search(t.Context(), "left hand of darkness", SearchTitle, 20)
	require.NoError(t, err)
	require.Len(t, works, 1)

	w := works[0]
	assert.Equal(t, "The Left Hand of Darkness", w.Title)
	assert.Equal(t, 1969, w.FirstPublicationYear)
	assert.Equal(t, "eng", w.OriginalLanguage)
	assert.Equal(t, ProviderOpenLibrary, w.PrimaryProvider)
	assert.Equal(t, "/works/OL45883W", w.ProviderIDs[ProviderOpenLibrary])
	require.Len(t, w.Authors, 1)
	assert.Equal(t, GenderUnknown, w.Authors[0].Gender)

	require.Len(t, w.Editions, 1)
	e := w.Editions[0]
	assert.Equal(t, "9780441478125", e.ISBN, "13-digit primary preferred")
	assert.Equal(t, "Ace Books", e.Publisher)
	assert.Equal(t, 304, e.PageCount)
	assert.Equal(t, "https://covers.openlibrary.org/b/id/12345-L.jpg", e.CoverImageURL)
	assert.NotZero(t, w.QualityScore)
}

func TestOpenLibraryLookupISBNNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"numFound": 0, "docs": []}`))
	}))
	t.Cleanup(srv.Close)

	ol := NewOpenLibrary(srv.Client(), srv.URL, nil)
	_, err := ol.LookupISBN(t.Context(), "9780000000000")
	assert.True(t, IsProviderNotFound(err))
}

func TestGoogleBooksMapsVolumes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/books/v1/volumes", r.URL.Path)
		assert.Equal(t, "isbn:9780441478125", r.URL.Query().Get("q"))
		assert.Equal(t, "secret-key", r.URL.Query().Get("key"))
		w.Write([]byte(`{
			"totalItems": 1,
			"items": [{
				"id": "abc123",
				"volumeInfo": {
					"title": "The Left Hand of Darkness",
					"authors": ["Ursula K. Le Guin"],
					"publisher": "Ace Books",
					"publishedDate": "1969-03-01",
					"description": "<p>Winter is coming to Gethen, a world whose people change sex with the season.</p>",
					"industryIdentifiers": [
						{"type": "ISBN_13", "identifier": "9780441478125"},
						{"type": "OTHER", "identifier": "OCLC:123"}
					],
					"pageCount": 304,
					"printType": "BOOK",
					"categories": ["Fiction"],
					"language": "en",
					"imageLinks": {"thumbnail": "http://books.google.com/books/content?id=abc&zoom=1&edge=curl"}
				}
			}]
		}`))
	}))
	t.Cleanup(srv.Close)

	gb := NewGoogleBooks(srv.Client(), srv.URL, StaticSecret("secret-key"), nil)
	work, err := gb.LookupISBN(t.Context(), "9780441478125")
	require.NoError(t, err)

	assert.Equal(t, 1969, work.FirstPublicationYear)
	assert.Equal(t, "abc123", work.ProviderIDs[ProviderGoogleBooks])
	assert.NotContains(t, work.Description, "<p>", "HTML stripped")

	e := work.Editions[0]
	assert.Equal(t, "9780441478125", e.ISBN)
	assert.Equal(t, "https://books.google.com/books/content?id=abc&zoom=1", e.CoverImageURL, "curl edge dropped, https forced")
}

func TestGoogleBooksMissingKeyIsUnauthenticated(t *testing.T) {
	t.Parallel()

	gb := NewGoogleBooks(http.DefaultClient, "http://unused.invalid", EnvSecret("BOOKDEX_TEST_NO_SUCH_KEY"), nil)
	_, err := gb.LookupISBN(t.Context(), "9780441478125")
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, FailureUnauthenticated, pe.Kind)
}

func TestCoverArtResolve(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		if r.URL.Path == "/b/isbn/9780441478125-L.jpg" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	ca := NewCoverArt(srv.Client(), srv.URL, nil)

	ref, err := ca.Resolve(t.Context(), "978-0-441-47812-5")
	require.NoError(t, err)
	assert.Contains(t, ref.URL, "9780441478125-L.jpg")
	assert.True(t, ref.Large)

	_, err = ca.Resolve(t.Context(), "9780000000000")
	assert.True(t, IsProviderNotFound(err))
}

func TestVisionScanShelf(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/parse", r.URL.Path)
		assert.Equal(t, "Bearer vision-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{
			"candidates": [
				{"title": "Dune", "author": "Frank Herbert", "isbn": "978-0-441-17271-9"},
				{"title": "", "author": "", "isbn": ""},
				{"title": "Hyperion", "author": "Dan Simmons"}
			]
		}`))
	}))
	t.Cleanup(srv.Close)

	v := NewVision(srv.Client(), srv.URL, StaticSecret("vision-token"), nil)
	items, err := v.ScanShelf(t.Context(), [][]byte{[]byte("jpegbytes")})
	require.NoError(t, err)

	require.Len(t, items, 2, "empty candidates dropped")
	assert.Equal(t, "9780441172719", items[0].ISBN)
	assert.Equal(t, "Hyperion", items[1].Title)
}

func TestVisionParseText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "dune by frank herbert", req.Text)
		w.Write([]byte(`{"candidates": [{"title": "Dune", "author": "Frank Herbert"}]}`))
	}))
	t.Cleanup(srv.Close)

	v := NewVision(srv.Client(), srv.URL, StaticSecret("t"), nil)
	items, err := v.ParseText(t.Context(), "dune by frank herbert")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Frank Herbert", items[0].Author)
}
