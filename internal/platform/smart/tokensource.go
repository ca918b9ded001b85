// Package smart implements the client half of SMART Backend Services
// (SMART App Launch v2.0, §5): it signs a JWT client assertion, exchanges it
// for an access token at the authorization server, and caches the token
// until shortly before expiry.
package smart

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ehr/cds-client/internal/cdshooks"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// tokenResponse is the OAuth token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// TokenSource mints and caches access tokens for fhirAuthorization blocks.
// Safe for concurrent use.
type TokenSource struct {
	tokenURL   string
	clientID   string
	scopes     string
	privateKey *rsa.PrivateKey
	httpClient *http.Client

	mu      sync.Mutex
	cached  *cdshooks.FHIRAuthorization
	expires time.Time
	now     func() time.Time
}

// Option configures a TokenSource.
type Option func(*TokenSource)

// WithHTTPClient overrides the HTTP client used for the token exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(ts *TokenSource) { ts.httpClient = c }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(ts *TokenSource) { ts.now = now }
}

// NewTokenSource creates a TokenSource for the given token endpoint and
// client credentials.
func NewTokenSource(tokenURL, clientID, scopes string, key *rsa.PrivateKey, opts ...Option) *TokenSource {
	ts := &TokenSource{
		tokenURL:   tokenURL,
		clientID:   clientID,
		scopes:     scopes,
		privateKey: key,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	for _, o := range opts {
		o(ts)
	}
	return ts
}

// LoadPrivateKey reads an RSA private key in PKCS#1 or PKCS#8 PEM form.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want *rsa.PrivateKey", parsed)
	}
	return rsaKey, nil
}

// Token returns a valid fhirAuthorization block, reusing the cached token
// while it has more than 30 seconds of life left.
func (ts *TokenSource) Token(ctx context.Context) (*cdshooks.FHIRAuthorization, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.cached != nil && ts.now().Add(30*time.Second).Before(ts.expires) {
		return ts.cached, nil
	}

	assertion, err := ts.signAssertion()
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)
	form.Set("scope", ts.scopes)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned empty access_token")
	}
	if tr.TokenType == "" {
		tr.TokenType = "Bearer"
	}

	ts.cached = &cdshooks.FHIRAuthorization{
		AccessToken: tr.AccessToken,
		TokenType:   tr.TokenType,
		ExpiresIn:   tr.ExpiresIn,
		Scope:       tr.Scope,
		Subject:     ts.clientID,
	}
	ts.expires = ts.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return ts.cached, nil
}

// signAssertion builds the RS384 client assertion JWT required by the SMART
// Backend Services profile.
func (ts *TokenSource) signAssertion() (string, error) {
	now := ts.now()
	claims := jwt.MapClaims{
		"iss": ts.clientID,
		"sub": ts.clientID,
		"aud": ts.tokenURL,
		"exp": now.Add(5 * time.Minute).Unix(),
		"iat": now.Unix(),
		"jti": uuid.New().String(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS384, claims)
	signed, err := token.SignedString(ts.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}
