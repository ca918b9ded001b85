// Package discovery fetches the CDS service catalog and caches it for a
// short TTL. On network failure it serves the last-known catalog rather than
// failing, so dependent components degrade instead of crashing.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/cds-client/internal/cdshooks"
)

// DefaultTTL is the catalog cache lifetime when none is configured.
const DefaultTTL = 5 * time.Minute

// Client discovers CDS services with a TTL cache. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	ttl        time.Duration
	logger     zerolog.Logger
	now        func() time.Time

	mu        sync.Mutex
	services  []cdshooks.Service
	fetchedAt time.Time
	haveCache bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Client) { d.httpClient = c }
}

// WithTTL overrides the cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(d *Client) { d.ttl = ttl }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Client) { d.now = now }
}

// New creates a discovery client for the given CDS base URL.
func New(baseURL string, logger zerolog.Logger, opts ...Option) *Client {
	d := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		ttl:        DefaultTTL,
		logger:     logger,
		now:        time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Discover returns the service catalog. A call within the TTL returns the
// cached list without a network round-trip. On fetch failure the last-known
// cache is returned even if expired; an error is returned only when no cache
// exists at all.
func (d *Client) Discover(ctx context.Context) ([]cdshooks.Service, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.haveCache && d.now().Sub(d.fetchedAt) < d.ttl {
		return copyServices(d.services), nil
	}

	services, err := d.fetch(ctx)
	if err != nil {
		if d.haveCache {
			d.logger.Warn().Err(err).Msg("service discovery failed, serving stale catalog")
			return copyServices(d.services), nil
		}
		return nil, fmt.Errorf("discover cds services: %w", err)
	}

	d.services = services
	d.fetchedAt = d.now()
	d.haveCache = true
	return copyServices(d.services), nil
}

// Invalidate drops the cached catalog so the next Discover refetches.
func (d *Client) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.haveCache = false
	d.services = nil
}

// fetch performs GET {base}/cds-services with a short exponential backoff.
func (d *Client) fetch(ctx context.Context) ([]cdshooks.Service, error) {
	var out []cdshooks.Service

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/cds-services", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := d.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("discovery returned %d", resp.StatusCode)
		}

		var dr cdshooks.DiscoveryResponse
		if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
			return fmt.Errorf("decode discovery response: %w", err)
		}
		out = dr.Services
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return out, nil
}

func copyServices(in []cdshooks.Service) []cdshooks.Service {
	out := make([]cdshooks.Service, len(in))
	copy(out, in)
	return out
}
