package internal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

// _providerTimeout bounds each upstream call. The orchestrator's overall
// budget is enforced separately.
const _providerTimeout = 5 * time.Second

// SearchKind selects which field a text search matches on.
type SearchKind string

// Search kinds accepted by Provider.Search.
const (
	SearchTitle  SearchKind = "title"
	SearchAuthor SearchKind = "author"
)

// Provider is an upstream metadata source. Implementations classify
// every failure into a *ProviderError; raw transport errors never
// escape.
type Provider interface {
	// Name returns the provider's canonical name, used in metadata,
	// metrics labels, and contributor lists.
	Name() string

	// Search performs a free-text search and returns canonical works.
	Search(ctx context.Context, query string, kind SearchKind, limit int) ([]WorkResource, error)

	// LookupISBN resolves a single ISBN to a canonical work. A hard
	// not-found returns a *ProviderError with FailureNotFound.
	LookupISBN(ctx context.Context, isbn string) (*WorkResource, error)
}

// failureKindOf extracts the failure classification from any error the
// provider layer can produce.
func failureKindOf(err error) FailureKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return FailureTimeout
		}
		return FailureNetwork
	}
	return FailureUnknown
}

// classifyStatus maps an upstream HTTP status to a failure kind, or
// FailureUnknown for success codes.
func classifyStatus(code int) FailureKind {
	switch {
	case code == http.StatusTooManyRequests:
		return FailureRateLimited
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return FailureUnauthenticated
	case code == http.StatusNotFound:
		return FailureNotFound
	case code >= 400 && code < 500:
		return FailureBadRequest
	case code >= 500:
		return FailureTransient
	}
	return FailureUnknown
}

// retryAfterHint parses a Retry-After header as delta seconds. HTTP-date
// forms are ignored; upstreams we talk to only send deltas.
func retryAfterHint(h http.Header) time.Duration {
	s := h.Get("Retry-After")
	if s == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// SecretSource supplies a provider credential at call time, so rotated
// secrets are picked up without a restart.
type SecretSource interface {
	Secret() (string, error)
}

// StaticSecret wraps a fixed credential, used when the key arrives via
// flag.
func StaticSecret(v string) SecretSource { return staticSecret(v) }

type staticSecret string

func (s staticSecret) Secret() (string, error) { return string(s), nil }

// EnvSecret reads the credential from the environment on every call.
func EnvSecret(name string) SecretSource { return envSecret(name) }

type envSecret string

func (s envSecret) Secret() (string, error) {
	v := os.Getenv(string(s))
	if v == "" {
		return "", fmt.Errorf("missing secret %s", string(s))
	}
	return v, nil
}

// upstream is the shared HTTP plumbing every concrete provider embeds:
// a client with a per-call deadline, a circuit breaker, and latency
// metrics. Providers only supply request construction and decoding.
type upstream struct {
	name    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	metrics *providerMetrics
}

func newUpstream(name string, client *http.Client, reg *prometheus.Registry) *upstream {
	if client == nil {
		client = http.DefaultClient
	}
	return &upstream{
		name:   name,
		client: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: name,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				// Not-found is a valid answer, not a provider outage.
				return err == nil || failureKindOf(err) == FailureNotFound
			},
		}),
		metrics: newProviderMetrics(reg),
	}
}

// fail wraps err in the provider's classified form.
func (u *upstream) fail(kind FailureKind, err error) *ProviderError {
	return &ProviderError{Provider: u.name, Kind: kind, Err: err}
}

// getJSON performs a GET through the breaker, classifies the response,
// and decodes the body into out.
func (u *upstream) getJSON(ctx context.Context, url string, header http.Header, out any) error {
	start := time.Now()
	err := u.do(ctx, http.MethodGet, url, header, nil, out)
	u.metrics.observe(u.name, time.Since(start), err)
	return err
}

// postJSON marshals in, POSTs it through the breaker, and decodes the
// response into out.
func (u *upstream) postJSON(ctx context.Context, url string, header http.Header, in, out any) error {
	payload, err := sonic.Marshal(in)
	if err != nil {
		return u.fail(FailureBadRequest, err)
	}
	start := time.Now()
	err = u.do(ctx, http.MethodPost, url, header, payload, out)
	u.metrics.observe(u.name, time.Since(start), err)
	return err
}

func (u *upstream) do(ctx context.Context, method, url string, header http.Header, payload []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, _providerTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return u.fail(FailureBadRequest, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	raw, berr := u.breaker.Execute(func() (any, error) {
		resp, err := u.client.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, u.fail(FailureTimeout, err)
			}
			return nil, u.fail(FailureNetwork, err)
		}
		defer resp.Body.Close()

		if kind := classifyStatus(resp.StatusCode); kind != FailureUnknown {
			pe := u.fail(kind, fmt.Errorf("upstream status %d", resp.StatusCode))
			if kind == FailureRateLimited {
				pe.RetryAfter = retryAfterHint(resp.Header)
			}
			return nil, pe
		}

		b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, u.fail(FailureNetwork, err)
		}
		return b, nil
	})
	if berr != nil {
		if errors.Is(berr, gobreaker.ErrOpenState) || errors.Is(berr, gobreaker.ErrTooManyRequests) {
			return u.fail(FailureTransient, berr)
		}
		return berr
	}

	if err := sonic.Unmarshal(raw.([]byte), out); err != nil {
		return u.fail(FailureMalformed, err)
	}
	return nil
}

// IsProviderNotFound reports whether err is a classified hard not-found.
func IsProviderNotFound(err error) bool {
	return failureKindOf(err) == FailureNotFound
}
