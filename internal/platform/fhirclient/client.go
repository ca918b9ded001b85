// Package fhirclient is a minimal read-only FHIR REST client used to execute
// prefetch queries: single-resource reads and search bundles. Responses are
// held in a short-lived expirable LRU so that several hooks firing in the
// same interaction do not re-fetch identical data.
package fhirclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

// Client reads FHIR resources over REST. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	cache      *expirable.LRU[string, []byte]
	token      func(ctx context.Context) (string, error)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Client) { f.httpClient = c }
}

// WithCache sets the response cache size and TTL. Size 0 disables caching.
func WithCache(size int, ttl time.Duration) Option {
	return func(f *Client) {
		if size > 0 {
			f.cache = expirable.NewLRU[string, []byte](size, nil, ttl)
		} else {
			f.cache = nil
		}
	}
}

// WithTokenProvider sets a bearer-token provider applied to every request.
func WithTokenProvider(token func(ctx context.Context) (string, error)) Option {
	return func(f *Client) { f.token = token }
}

// New creates a FHIR client for the given base URL.
func New(baseURL string, logger zerolog.Logger, opts ...Option) *Client {
	f := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		cache:      expirable.NewLRU[string, []byte](256, nil, 30*time.Second),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// BaseURL returns the FHIR server base URL this client reads from.
func (f *Client) BaseURL() string {
	return f.baseURL
}

// Read fetches a single resource. A 404 returns (nil, nil): a missing
// resource is a valid null prefetch value, not an error.
func (f *Client) Read(ctx context.Context, resourceType, id string) (map[string]any, error) {
	body, status, err := f.get(ctx, fmt.Sprintf("%s/%s/%s", f.baseURL, resourceType, url.PathEscape(id)))
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("read %s/%s: status %d", resourceType, id, status)
	}
	var resource map[string]any
	if err := json.Unmarshal(body, &resource); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", resourceType, id, err)
	}
	return resource, nil
}

// Search executes a search and returns the Bundle.
func (f *Client) Search(ctx context.Context, resourceType string, params url.Values) (map[string]any, error) {
	target := fmt.Sprintf("%s/%s", f.baseURL, resourceType)
	if encoded := params.Encode(); encoded != "" {
		target += "?" + encoded
	}
	body, status, err := f.get(ctx, target)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("search %s: status %d", resourceType, status)
	}
	var bundle map[string]any
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("decode %s bundle: %w", resourceType, err)
	}
	return bundle, nil
}

// get performs a cached GET, returning the raw body and status code.
func (f *Client) get(ctx context.Context, target string) ([]byte, int, error) {
	if f.cache != nil {
		if body, ok := f.cache.Get(target); ok {
			return body, http.StatusOK, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/fhir+json")

	if f.token != nil {
		tok, err := f.token(ctx)
		if err != nil {
			// Degrade to an unauthenticated request; the server decides.
			f.logger.Warn().Err(err).Msg("fhir token provider failed")
		} else if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}

	if f.cache != nil && resp.StatusCode == http.StatusOK {
		f.cache.Add(target, body)
	}
	return body, resp.StatusCode, nil
}
