package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/blampe/bookdex/internal"
	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	_defaultMaxResults = 20
	_maxMaxResults     = 40
	_maxImageBytes     = 8 << 20
)

type handler struct {
	cache   *internal.CacheService
	orch    *internal.Orchestrator
	covers  *internal.CoverArt
	vision  *internal.Vision
	jobs    *internal.JobManager
	limiter *internal.RateLimiter

	// health checks by dependency name, probed by /healthz.
	checks map[string]func(context.Context) error

	// legacyBody serves bare response bodies instead of the canonical
	// envelope, for clients that predate it.
	legacyBody bool

	upgrader websocket.Upgrader
}

// envelope is the canonical response shape.
type envelope struct {
	Success  bool      `json:"success"`
	Data     any       `json:"data,omitempty"`
	Metadata *metadata `json:"metadata,omitempty"`
	Error    *apiError `json:"error,omitempty"`
}

type metadata struct {
	Source      string `json:"source"`
	Timestamp   string `json:"timestamp"`
	Cached      bool   `json:"cached"`
	CacheSource string `json:"cacheSource,omitempty"`
	TTL         string `json:"ttl,omitempty"`
	RequestID   string `json:"requestId"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (h *handler) routes(reg *prometheus.Registry) http.Handler {
	mux := chi.NewMux()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	mux.Use(internal.Instrument(reg))
	mux.Use(cors)

	mux.Get("/healthz", h.health)
	mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	mux.Route("/v1", func(r chi.Router) {
		r.With(h.limit(internal.ClassSearch)).Get("/search/isbn", h.searchISBN)
		r.With(h.limit(internal.ClassSearch)).Get("/search/title", h.searchText(internal.SearchTitle))
		r.With(h.limit(internal.ClassSearch)).Get("/search/author", h.searchText(internal.SearchAuthor))
		r.With(h.limit(internal.ClassSearch)).Get("/covers/isbn", h.coverISBN)

		r.With(h.limit(internal.ClassBatch)).Post("/batch-enrichment", h.launchBatch)
		r.Get("/batch-enrichment/{jobID}", h.jobSnapshot)
		r.Post("/batch-enrichment/{jobID}/cancel", h.cancelBatch)
		r.With(h.limit(internal.ClassBatch)).Post("/books/import/csv", h.importCSV)
		r.With(h.limit(internal.ClassAI)).Post("/bookshelf/scan", h.scanShelf)
	})
	mux.Post("/api/token/refresh", h.refreshToken)
	mux.Get("/ws/progress", h.progress)

	return mux
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			internal.Log(r.Context()).Warn("health check failed", "dep", name, "err", err)
			http.Error(w, name+" unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// cors applies permissive CORS to every response and short-circuits
// preflights.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limit enforces the per-principal admission window for an endpoint
// class.
func (h *handler) limit(class internal.EndpointClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := h.limiter.Allow(r.Context(), principalFrom(r), class); err != nil {
				h.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// principalFrom prefers an authenticated identity and falls back to the
// caller's address.
func principalFrom(r *http.Request) string {
	if tok := bearerToken(r); tok != "" {
		return "tok:" + tok
	}
	return "ip:" + r.RemoteAddr
}

func bearerToken(r *http.Request) string {
	if after, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

func (h *handler) searchISBN(w http.ResponseWriter, r *http.Request) {
	isbn := r.URL.Query().Get("isbn")
	if !internal.ValidISBN(isbn) {
		h.writeError(w, r, internal.BadRequestf("isbn must have 10 or 13 digits"))
		return
	}

	// Interactive ISBN search uses the seven-day policy; the year-long
	// enrichment namespace is reserved for batch items.
	q := internal.ISBNQuery(internal.KindSearch, isbn)
	res, err := h.cache.Get(r.Context(), q, func(ctx context.Context) (internal.LoadResult, error) {
		work, err := h.orch.LookupISBN(ctx, isbn)
		if err != nil {
			if internal.IsProviderNotFound(err) {
				return internal.LoadResult{NotFound: true}, nil
			}
			return internal.LoadResult{}, err
		}
		payload, err := sonic.Marshal(work)
		if err != nil {
			return internal.LoadResult{}, err
		}
		return internal.LoadResult{
			Bytes: payload,
			Meta:  internal.Meta{Provider: work.PrimaryProvider, Quality: work.QualityScore},
		}, nil
	})
	h.writeCached(w, r, res, err)
}

func (h *handler) searchText(kind internal.SearchKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		text := strings.TrimSpace(r.URL.Query().Get("q"))
		if text == "" {
			h.writeError(w, r, internal.BadRequestf("q is required"))
			return
		}
		limit := _defaultMaxResults
		if raw := r.URL.Query().Get("maxResults"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				h.writeError(w, r, internal.BadRequestf("maxResults must be a positive integer"))
				return
			}
			limit = min(n, _maxMaxResults)
		}

		q := internal.Query{
			Kind:    internal.KindSearch,
			Subkind: string(kind),
			Params:  map[string]string{"q": text, "max": strconv.Itoa(limit)},
		}
		res, err := h.cache.Get(r.Context(), q, func(ctx context.Context) (internal.LoadResult, error) {
			result, err := h.orch.Search(ctx, text, kind, limit)
			if err != nil {
				return internal.LoadResult{}, err
			}
			payload, merr := sonic.Marshal(result)
			if merr != nil {
				return internal.LoadResult{}, merr
			}
			quality := 0
			for _, work := range result.Works {
				quality = max(quality, work.QualityScore)
			}
			return internal.LoadResult{
				Bytes: payload,
				Meta:  internal.Meta{Provider: result.Provider, Quality: quality},
			}, nil
		})
		h.writeCached(w, r, res, err)
	}
}

func (h *handler) coverISBN(w http.ResponseWriter, r *http.Request) {
	isbn := r.URL.Query().Get("isbn")
	if !internal.ValidISBN(isbn) {
		h.writeError(w, r, internal.BadRequestf("isbn must have 10 or 13 digits"))
		return
	}

	q := internal.ISBNQuery(internal.KindCover, isbn)
	res, err := h.cache.Get(r.Context(), q, func(ctx context.Context) (internal.LoadResult, error) {
		ref, err := h.covers.Resolve(ctx, isbn)
		if err != nil {
			if internal.IsProviderNotFound(err) {
				return internal.LoadResult{NotFound: true}, nil
			}
			return internal.LoadResult{}, err
		}
		payload, merr := sonic.Marshal(ref)
		if merr != nil {
			return internal.LoadResult{}, merr
		}
		return internal.LoadResult{
			Bytes: payload,
			Meta:  internal.Meta{Provider: internal.ProviderCoverArt, Quality: 100},
		}, nil
	})
	if err == nil {
		var ref internal.CoverRef
		if sonic.Unmarshal(res.Bytes, &ref) == nil {
			quality := "small"
			if ref.Large {
				quality = "large"
			}
			w.Header().Set("X-Image-Quality", quality)
		}
	}
	h.writeCached(w, r, res, err)
}

type launchRequest struct {
	Items []internal.BatchItem `json:"items"`
}

func (h *handler) launchBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, internal.MaxCSVBytes))
	if err != nil {
		h.writeError(w, r, maybeTooLarge(err))
		return
	}
	var req launchRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		h.writeError(w, r, internal.BadRequestf("malformed body: %s", err))
		return
	}
	h.launch(w, r, req.Items)
}

func (h *handler) importCSV(w http.ResponseWriter, r *http.Request) {
	var reader io.Reader = http.MaxBytesReader(w, r.Body, internal.MaxCSVBytes)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(internal.MaxCSVBytes); err != nil {
			h.writeError(w, r, maybeTooLarge(err))
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			h.writeError(w, r, internal.BadRequestf("missing file field"))
			return
		}
		defer file.Close()
		reader = file
	}

	items, err := internal.ParseCSV(reader)
	if err != nil {
		h.writeError(w, r, maybeTooLarge(err))
		return
	}
	h.launch(w, r, items)
}

func (h *handler) launch(w http.ResponseWriter, r *http.Request, items []internal.BatchItem) {
	if len(items) == 0 {
		h.writeError(w, r, internal.BadRequestf("items must not be empty"))
		return
	}
	launched, err := h.jobs.Launch(r.Context(), principalFrom(r), items)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeEnvelope(w, r, http.StatusCreated, launched, h.meta(r, "jobs", false, "", 0))
}

func (h *handler) jobSnapshot(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	snap, err := h.jobs.AuthorizedSnapshot(r.Context(), jobID, bearerToken(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeEnvelope(w, r, http.StatusOK, snap, h.meta(r, "jobs", false, "", 0))
}

func (h *handler) cancelBatch(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := h.jobs.Cancel(r.Context(), jobID, bearerToken(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeEnvelope(w, r, http.StatusOK, map[string]string{"jobId": jobID, "status": "cancelled"},
		h.meta(r, "jobs", false, "", 0))
}

type refreshRequest struct {
	JobID string `json:"jobId"`
	Token string `json:"token"`
}

func (h *handler) refreshToken(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
	if err != nil {
		h.writeError(w, r, maybeTooLarge(err))
		return
	}
	var req refreshRequest
	if err := sonic.Unmarshal(body, &req); err != nil || req.JobID == "" {
		h.writeError(w, r, internal.BadRequestf("jobId and token are required"))
		return
	}

	fresh, err := h.jobs.RefreshToken(r.Context(), req.JobID, req.Token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeEnvelope(w, r, http.StatusOK, map[string]any{
		"token":     fresh.AuthToken,
		"expiresAt": fresh.AuthTokenExpiresAt.UTC().Format(time.RFC3339),
	}, h.meta(r, "jobs", false, "", 0))
}

func (h *handler) progress(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		h.writeError(w, r, internal.ErrUpgradeRequired)
		return
	}
	jobID := r.URL.Query().Get("jobId")
	token := bearerToken(r)
	if token == "" {
		// Browsers can't set headers on websocket dials.
		token = r.URL.Query().Get("token")
	}
	var lastSeq int64
	if raw := r.URL.Query().Get("lastSeq"); raw != "" {
		lastSeq, _ = strconv.ParseInt(raw, 10, 64)
	}

	// Validate before upgrading so auth failures stay plain HTTP.
	if _, err := h.jobs.AuthorizedSnapshot(r.Context(), jobID, token); err != nil {
		h.writeError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if err := h.jobs.AttachStream(r.Context(), jobID, token, conn, lastSeq); err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

func (h *handler) scanShelf(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(4 * _maxImageBytes); err != nil {
		h.writeError(w, r, maybeTooLarge(err))
		return
	}
	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		h.writeError(w, r, internal.BadRequestf("at least one image is required"))
		return
	}

	digest := sha256.New()
	images := make([][]byte, 0, len(files))
	for _, fh := range files {
		img, err := readImage(fh)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		digest.Write(img)
		images = append(images, img)
	}

	q := internal.Query{
		Kind:    internal.KindAI,
		Subkind: "scan",
		Params:  map[string]string{"digest": hex.EncodeToString(digest.Sum(nil))},
	}
	res, err := h.cache.Get(r.Context(), q, func(ctx context.Context) (internal.LoadResult, error) {
		items, err := h.vision.ScanShelf(ctx, images)
		if err != nil {
			return internal.LoadResult{}, err
		}
		payload, merr := sonic.Marshal(items)
		if merr != nil {
			return internal.LoadResult{}, merr
		}
		return internal.LoadResult{
			Bytes: payload,
			Meta:  internal.Meta{Provider: internal.ProviderVision, Quality: 100},
		}, nil
	})
	h.writeCached(w, r, res, err)
}

func readImage(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > _maxImageBytes {
		return nil, internal.ErrPayloadTooLarge
	}
	f, err := fh.Open()
	if err != nil {
		return nil, internal.BadRequestf("unreadable image: %s", err)
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, _maxImageBytes))
}

// writeCached renders a cache service result with its cache headers.
func (h *handler) writeCached(w http.ResponseWriter, r *http.Request, res internal.CacheResult, err error) {
	if err != nil {
		w.Header().Set("X-Cache-Status", string(res.Status))
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("X-Cache-Status", string(res.Status))
	w.Header().Set("X-Cache-TTL", strconv.Itoa(int(res.TTL.Seconds())))
	w.Header().Set("X-Response-Time", res.Elapsed.String())

	source := res.Provider
	if source == "" {
		source = "cache"
	}
	cached := res.Status == internal.StatusHit
	h.writeEnvelope(w, r, http.StatusOK, json.RawMessage(res.Bytes),
		h.meta(r, source, cached, string(res.Tier), res.TTL))
}

func (h *handler) meta(r *http.Request, source string, cached bool, cacheSource string, ttl time.Duration) *metadata {
	md := &metadata{
		Source:    source,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Cached:    cached,
		RequestID: middleware.GetReqID(r.Context()),
	}
	if cached {
		md.CacheSource = cacheSource
	}
	if ttl > 0 {
		md.TTL = strconv.Itoa(int(ttl.Seconds())) + "s"
	}
	return md
}

func (h *handler) writeEnvelope(w http.ResponseWriter, r *http.Request, code int, data any, md *metadata) {
	if md != nil {
		w.Header().Set("X-Request-ID", md.RequestID)
	}
	w.Header().Set("Content-Type", "application/json")

	var body any = envelope{Success: code < 400, Data: data, Metadata: md}
	if h.legacyBody {
		body = data
	}
	payload, err := sonic.Marshal(body)
	if err != nil {
		internal.Log(r.Context()).Error("encoding response", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(code)
	w.Write(payload)
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := internal.StatusOf(err)

	var rle *internal.RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(rle.RetryAfter.Seconds())))
	}
	var pe *internal.ProviderError
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(pe.RetryAfter.Seconds())))
	}

	if status >= 500 {
		internal.Log(r.Context()).Warn("request failed", "path", r.URL.Path, "err", err)
	}

	w.Header().Set("X-Request-ID", middleware.GetReqID(r.Context()))
	w.Header().Set("Content-Type", "application/json")
	var body any = envelope{
		Success: false,
		Error:   &apiError{Code: status, Message: err.Error()},
		Metadata: &metadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			RequestID: middleware.GetReqID(r.Context()),
		},
	}
	if h.legacyBody {
		body = map[string]string{"error": err.Error()}
	}
	payload, _ := sonic.Marshal(body)
	w.WriteHeader(status)
	w.Write(payload)
}

// maybeTooLarge folds the body-cap error into our 413.
func maybeTooLarge(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return internal.ErrPayloadTooLarge
	}
	return err
}
