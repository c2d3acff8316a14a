package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/alecthomas/kong"
	"github.com/blampe/bookdex/internal"
	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"
	"github.com/redis/go-redis/v9"
)

type cli struct {
	Serve serveCmd `cmd:"" default:"1" help:"Run the metadata enrichment server."`
}

type serveCmd struct {
	Port        int    `default:"8788" help:"Port to serve on." env:"PORT"`
	PostgresDSN string `name:"postgres" required:"" help:"Postgres connection string." env:"POSTGRES_DSN"`
	RedisAddr   string `default:"localhost:6379" help:"Redis address for rate limiting." env:"REDIS_ADDR"`

	EdgeCacheBytes int64         `default:"268435456" help:"In-process cache size in bytes."`
	QualityFloor   int           `default:"40" help:"Minimum quality score for cache write-back."`
	NegativeTTL    time.Duration `default:"0" help:"Negative-cache TTL for hard not-founds (0 disables, capped at 60s)."`

	GoogleBooksKey string  `help:"Google Books API key." env:"GOOGLE_BOOKS_API_KEY"`
	VisionHost     string  `default:"https://vision.internal" help:"AI parse provider endpoint." env:"VISION_HOST"`
	UpstreamRPS    float64 `default:"5" help:"Outbound requests per second per provider."`

	UnifiedEnvelope bool `default:"true" negatable:"" help:"Wrap responses in the canonical envelope."`

	Verbose bool `help:"Enable debug logging."`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := kong.Parse(&cli{}, kong.UsageOnError())
	if err := cmd.Run(ctx); err != nil {
		internal.Log(ctx).Error("fatal", "err", err)
	}
}

// Run implements the serve command.
func (c *serveCmd) Run(ctx context.Context) error {
	if c.Verbose {
		internal.SetLogLevel("debug")
	}

	reg := internal.NewMetrics()

	db, err := internal.NewDB(ctx, c.PostgresDSN)
	if err != nil {
		return fmt.Errorf("setting up postgres: %w", err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
	defer rdb.Close()

	edge, err := internal.NewEdgeCache(c.EdgeCacheBytes)
	if err != nil {
		return fmt.Errorf("setting up edge cache: %w", err)
	}
	cacheOpts := []internal.CacheOption{internal.WithQualityFloor(c.QualityFloor)}
	if c.NegativeTTL > 0 {
		cacheOpts = append(cacheOpts, internal.WithNegativeTTL(c.NegativeTTL))
	}
	cacheSvc := internal.NewCacheService(edge, internal.NewKVCache(db), reg, cacheOpts...)

	var googleKey internal.SecretSource = internal.EnvSecret("GOOGLE_BOOKS_API_KEY")
	if c.GoogleBooksKey != "" {
		googleKey = internal.StaticSecret(c.GoogleBooksKey)
	}

	client := newProviderClient(c.UpstreamRPS)
	orch := internal.NewOrchestrator(
		internal.NewOpenLibrary(client, "", reg),
		internal.NewGoogleBooks(client, "", googleKey, reg),
	)
	covers := internal.NewCoverArt(client, "", reg)
	vision := internal.NewVision(client, c.VisionHost, internal.EnvSecret("VISION_API_TOKEN"), reg)

	jobs := internal.NewJobManager(
		internal.NewJobStore(db),
		newEnricher(cacheSvc, orch),
		reg,
	)

	h := &handler{
		cache:   cacheSvc,
		orch:    orch,
		covers:  covers,
		vision:  vision,
		jobs:    jobs,
		limiter: internal.NewRateLimiter(rdb, nil),
		checks: map[string]func(context.Context) error{
			"postgres": db.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		legacyBody: !c.UnifiedEnvelope,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.Port),
		Handler:           gzhttp.GzipHandler(h.routes(reg)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	internal.Log(ctx).Info("serving", "addr", server.Addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newEnricher builds the per-item resolver batch jobs run: the same
// cached ISBN-enrichment path the interactive endpoints use, falling
// back to a title search for items without an ISBN.
func newEnricher(cacheSvc *internal.CacheService, orch *internal.Orchestrator) internal.Enricher {
	return func(ctx context.Context, item internal.BatchItem) (string, error) {
		if internal.ValidISBN(item.ISBN) {
			q := internal.ISBNQuery(internal.KindEnrich, item.ISBN)
			res, err := cacheSvc.Get(ctx, q, func(ctx context.Context) (internal.LoadResult, error) {
				work, err := orch.LookupISBN(ctx, item.ISBN)
				if err != nil {
					if internal.IsProviderNotFound(err) {
						return internal.LoadResult{NotFound: true}, nil
					}
					return internal.LoadResult{}, err
				}
				payload, merr := sonic.Marshal(work)
				if merr != nil {
					return internal.LoadResult{}, merr
				}
				return internal.LoadResult{
					Bytes: payload,
					Meta:  internal.Meta{Provider: work.PrimaryProvider, Quality: work.QualityScore},
				}, nil
			})
			if err != nil {
				return "", err
			}
			var work internal.WorkResource
			if err := sonic.Unmarshal(res.Bytes, &work); err != nil {
				return "", err
			}
			return bookID(&work), nil
		}

		if item.Title == "" {
			return "", internal.BadRequestf("item needs an isbn or a title")
		}
		result, err := orch.Search(ctx, item.Title, internal.SearchTitle, 5)
		if err != nil {
			return "", err
		}
		for _, work := range result.Works {
			if item.Author == "" || authorMatches(&work, item.Author) {
				return bookID(&work), nil
			}
		}
		return "", &internal.ProviderError{Provider: result.Provider, Kind: internal.FailureNotFound}
	}
}

// bookID picks a stable identifier for a resolved work: primary ISBN
// first, then any provider ID.
func bookID(work *internal.WorkResource) string {
	if e := work.PrimaryEdition(); e != nil && e.ISBN != "" {
		return "isbn:" + e.ISBN
	}
	for provider, id := range work.ProviderIDs {
		return provider + ":" + id
	}
	return ""
}

func authorMatches(work *internal.WorkResource, author string) bool {
	want := internal.Casefold(author)
	for _, a := range work.Authors {
		if internal.Casefold(a.Name) == want {
			return true
		}
	}
	return false
}
