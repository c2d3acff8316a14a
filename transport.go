package main

import (
	"net/http"
	"time"

	"github.com/blampe/bookdex/internal"
	"golang.org/x/time/rate"
)

// throttledTransport rate limits outbound provider requests.
type throttledTransport struct {
	http.RoundTripper
	*rate.Limiter
}

func (t throttledTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.Limiter.Wait(r.Context()); err != nil {
		return nil, err
	}
	resp, err := t.RoundTripper.RoundTrip(r)
	if err != nil {
		return nil, err
	}

	// Back off for a minute if the upstream starts rejecting us.
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden {
		internal.Log(r.Context()).Warn("backing off upstream",
			"host", r.URL.Host, "status", resp.StatusCode, "limit", t.Limiter.Limit())
		orig := t.Limiter.Limit()
		t.Limiter.SetLimit(rate.Every(time.Hour / 60))          // 1RPM
		t.Limiter.SetLimitAt(time.Now().Add(time.Minute), orig) // Restore
	}

	return resp, nil
}

// headerTransport adds fixed headers to all requests. Best used with a
// per-provider client.
type headerTransport struct {
	header http.Header
	http.RoundTripper
}

func (t headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	for k, vs := range t.header {
		for _, v := range vs {
			r.Header.Set(k, v)
		}
	}
	return t.RoundTripper.RoundTrip(r)
}

// newProviderClient builds the outbound client a provider uses: a
// shared UA header behind a requests-per-second throttle.
func newProviderClient(rps float64) *http.Client {
	return &http.Client{
		Transport: headerTransport{
			header: http.Header{"User-Agent": {"bookdex/1.0"}},
			RoundTripper: throttledTransport{
				RoundTripper: http.DefaultTransport,
				Limiter:      rate.NewLimiter(rate.Limit(rps), int(rps)+1),
			},
		},
	}
}
