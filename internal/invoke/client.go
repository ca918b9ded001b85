// Package invoke posts spec-compliant hook requests to individual CDS
// services and normalizes their responses. One service's failure is its own:
// anything other than a 404 or 400 degrades to an empty card list so sibling
// invocations and the surrounding execution are never blocked.
package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/cds-client/internal/cdshooks"
	"github.com/ehr/cds-client/internal/platform/metrics"
)

// Sentinel errors surfaced to callers that want to distinguish them.
var (
	// ErrServiceNotFound is returned when the service endpoint answers 404.
	ErrServiceNotFound = errors.New("cds service not found")
	// ErrInvalidRequest is returned when the service rejects the request
	// body with 400; the wrapped message carries the server-provided detail.
	ErrInvalidRequest = errors.New("invalid cds hook request")
)

// TokenProvider supplies the optional fhirAuthorization block.
type TokenProvider interface {
	Token(ctx context.Context) (*cdshooks.FHIRAuthorization, error)
}

// Client invokes CDS services. Safe for concurrent use.
type Client struct {
	baseURL    string
	fhirServer string
	httpClient *http.Client
	tokens     TokenProvider
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (and with it the timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(i *Client) { i.httpClient = c }
}

// WithTokenProvider attaches a fhirAuthorization provider. Token failures
// are logged and the request proceeds without authorization.
func WithTokenProvider(tp TokenProvider) Option {
	return func(i *Client) { i.tokens = tp }
}

// WithTimeout sets the per-invocation request timeout.
func WithTimeout(d time.Duration) Option {
	return func(i *Client) { i.httpClient.Timeout = d }
}

// New creates an invocation client. fhirServer is the default fhirServer
// value stamped on requests that do not carry one.
func New(baseURL, fhirServer string, logger zerolog.Logger, opts ...Option) *Client {
	i := &Client{
		baseURL:    baseURL,
		fhirServer: fhirServer,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Invoke POSTs the hook request to {base}/cds-services/{serviceID} and
// returns the normalized response. hookInstance is generated when absent and
// fhirServer defaults to the configured base. Every returned card carries a
// UUID and is tagged with the service id.
func (i *Client) Invoke(ctx context.Context, serviceID string, req *cdshooks.HookRequest) (*cdshooks.HookResponse, error) {
	if req.HookInstance == "" {
		req.HookInstance = uuid.New().String()
	}
	if req.FHIRServer == "" {
		req.FHIRServer = i.fhirServer
	}
	if req.FHIRAuth == nil && i.tokens != nil {
		auth, err := i.tokens.Token(ctx)
		if err != nil {
			i.logger.Warn().Err(err).Str("service_id", serviceID).Msg("fhir authorization unavailable")
		} else {
			req.FHIRAuth = auth
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode hook request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/cds-services/%s", i.baseURL, serviceID), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := i.httpClient.Do(httpReq)
	metrics.InvocationDuration.WithLabelValues(serviceID).Observe(time.Since(start).Seconds())
	if err != nil {
		i.logger.Warn().Err(err).Str("service_id", serviceID).Msg("cds invocation failed")
		metrics.InvocationsTotal.WithLabelValues(serviceID, "error").Inc()
		return emptyResponse(), nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		metrics.InvocationsTotal.WithLabelValues(serviceID, "error").Inc()
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, serviceID)
	case resp.StatusCode == http.StatusBadRequest:
		metrics.InvocationsTotal.WithLabelValues(serviceID, "error").Inc()
		detail := readDetail(resp.Body)
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, detail)
	case resp.StatusCode != http.StatusOK:
		i.logger.Warn().
			Int("status", resp.StatusCode).
			Str("service_id", serviceID).
			Msg("cds invocation returned non-200")
		metrics.InvocationsTotal.WithLabelValues(serviceID, "error").Inc()
		return emptyResponse(), nil
	}

	var hr cdshooks.HookResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		i.logger.Warn().Err(err).Str("service_id", serviceID).Msg("cds response undecodable")
		metrics.InvocationsTotal.WithLabelValues(serviceID, "error").Inc()
		return emptyResponse(), nil
	}

	normalize(&hr, serviceID)
	if len(hr.Cards) == 0 {
		metrics.InvocationsTotal.WithLabelValues(serviceID, "empty").Inc()
	} else {
		metrics.InvocationsTotal.WithLabelValues(serviceID, "ok").Inc()
	}
	return &hr, nil
}

// normalize ensures every card carries a UUID and its originating service id.
func normalize(hr *cdshooks.HookResponse, serviceID string) {
	if hr.Cards == nil {
		hr.Cards = []cdshooks.Card{}
	}
	for idx := range hr.Cards {
		if hr.Cards[idx].UUID == "" {
			hr.Cards[idx].UUID = uuid.New().String()
		}
		hr.Cards[idx].ServiceID = serviceID
	}
}

func emptyResponse() *cdshooks.HookResponse {
	return &cdshooks.HookResponse{Cards: []cdshooks.Card{}}
}

// readDetail extracts a short error detail from a 400 response body.
func readDetail(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 2048))
	var outcome struct {
		Error string `json:"error"`
		Issue []struct {
			Diagnostics string `json:"diagnostics"`
		} `json:"issue"`
	}
	if err := json.Unmarshal(raw, &outcome); err == nil {
		if outcome.Error != "" {
			return outcome.Error
		}
		if len(outcome.Issue) > 0 && outcome.Issue[0].Diagnostics != "" {
			return outcome.Issue[0].Diagnostics
		}
	}
	detail := strings.TrimSpace(string(raw))
	if detail == "" {
		return "bad request"
	}
	return detail
}
