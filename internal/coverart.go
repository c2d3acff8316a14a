package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

// CoverArt resolves cover images by ISBN against the Open Library
// covers CDN. It isn't a metadata Provider: it answers with a URL, not
// a work.
type CoverArt struct {
	up   *upstream
	host string
}

// NewCoverArt creates the cover resolver client.
func NewCoverArt(client *http.Client, host string, reg *prometheus.Registry) *CoverArt {
	if host == "" {
		host = "https://covers.openlibrary.org"
	}
	return &CoverArt{
		up:   newUpstream(ProviderCoverArt, client, reg),
		host: strings.TrimSuffix(host, "/"),
	}
}

// CoverRef is a resolved cover image.
type CoverRef struct {
	URL   string `json:"url"`
	Large bool   `json:"large"`
}

// Resolve returns the large cover URL for an ISBN. The CDN 404s with
// default=false when no cover exists, which we classify as a hard
// not-found so the negative cache can absorb repeat misses.
func (c *CoverArt) Resolve(ctx context.Context, isbn string) (CoverRef, error) {
	start := time.Now()
	ref, err := c.resolve(ctx, isbn)
	c.up.metrics.observe(ProviderCoverArt, time.Since(start), err)
	return ref, err
}

func (c *CoverArt) resolve(ctx context.Context, isbn string) (CoverRef, error) {
	url := fmt.Sprintf("%s/b/isbn/%s-L.jpg?default=false", c.host, isbnDigits(isbn))

	ctx, cancel := context.WithTimeout(ctx, _providerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return CoverRef{}, c.up.fail(FailureBadRequest, err)
	}

	_, berr := c.up.breaker.Execute(func() (any, error) {
		resp, err := c.up.client.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, c.up.fail(FailureTimeout, err)
			}
			return nil, c.up.fail(FailureNetwork, err)
		}
		resp.Body.Close()
		if kind := classifyStatus(resp.StatusCode); kind != FailureUnknown {
			return nil, c.up.fail(kind, fmt.Errorf("upstream status %d", resp.StatusCode))
		}
		return nil, nil
	})
	if berr != nil {
		if errors.Is(berr, gobreaker.ErrOpenState) || errors.Is(berr, gobreaker.ErrTooManyRequests) {
			return CoverRef{}, c.up.fail(FailureTransient, berr)
		}
		return CoverRef{}, berr
	}

	return CoverRef{URL: url, Large: coverLooksLarge(url)}, nil
}
