// Package feedback reports card dispositions (accepted or overridden) back
// to the originating CDS service. Sends are strictly best-effort: every
// failure is converted to a false return so the clinical workflow is never
// disrupted by feedback plumbing.
package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/cds-client/internal/cdshooks"
	"github.com/ehr/cds-client/internal/platform/metrics"
)

// Request is one card disposition to report.
type Request struct {
	ServiceID           string                   `json:"serviceId"`
	CardUUID            string                   `json:"cardUuid"`
	Outcome             cdshooks.Outcome         `json:"outcome"`
	AcceptedSuggestions []string                 `json:"acceptedSuggestions,omitempty"`
	OverrideReason      *cdshooks.OverrideReason `json:"overrideReason,omitempty"`
}

// CardLookup resolves an active card by uuid, used to sanity-check override
// reasons against the card's declared catalog.
type CardLookup func(cardUUID string) (cdshooks.Card, bool)

// Service sends card feedback. Safe for concurrent use.
type Service struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time
	lookup     CardLookup
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCardLookup enables override-reason validation against the card's
// declared overrideReasons catalog. Mismatches are logged, never rejected.
func WithCardLookup(lookup CardLookup) Option {
	return func(s *Service) { s.lookup = lookup }
}

// New creates a feedback Service for the given CDS base URL.
func New(baseURL string, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Send validates and POSTs one feedback item to the owning service's
// feedback endpoint. It returns true only when the service accepted the
// report; invalid input and any network or server failure return false.
// Send never panics and never returns an error to the caller.
func (s *Service) Send(ctx context.Context, req Request) bool {
	if err := validate(req); err != nil {
		s.logger.Warn().Err(err).Str("card", req.CardUUID).Msg("feedback rejected")
		metrics.FeedbackTotal.WithLabelValues(string(req.Outcome), "rejected").Inc()
		return false
	}
	s.checkOverrideReason(req)

	item := cdshooks.FeedbackItem{
		Card:             req.CardUUID,
		Outcome:          req.Outcome,
		OutcomeTimestamp: s.now().UTC().Format(time.RFC3339),
	}
	for _, id := range req.AcceptedSuggestions {
		item.AcceptedSuggestions = append(item.AcceptedSuggestions, cdshooks.AcceptedSuggestion{ID: id})
	}
	if req.Outcome == cdshooks.OutcomeOverridden {
		item.OverrideReason = req.OverrideReason
	}

	body, err := json.Marshal(cdshooks.FeedbackRequest{Feedback: []cdshooks.FeedbackItem{item}})
	if err != nil {
		s.logger.Error().Err(err).Str("card", req.CardUUID).Msg("feedback encode failed")
		metrics.FeedbackTotal.WithLabelValues(string(req.Outcome), "failed").Inc()
		return false
	}

	target := fmt.Sprintf("%s/cds-services/%s/feedback", s.baseURL, req.ServiceID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		s.logger.Error().Err(err).Str("card", req.CardUUID).Msg("feedback request build failed")
		metrics.FeedbackTotal.WithLabelValues(string(req.Outcome), "failed").Inc()
		return false
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		s.logger.Warn().Err(err).Str("card", req.CardUUID).Msg("feedback send failed")
		metrics.FeedbackTotal.WithLabelValues(string(req.Outcome), "failed").Inc()
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn().
			Int("status", resp.StatusCode).
			Str("card", req.CardUUID).
			Str("service_id", req.ServiceID).
			Msg("feedback not accepted")
		metrics.FeedbackTotal.WithLabelValues(string(req.Outcome), "failed").Inc()
		return false
	}

	metrics.FeedbackTotal.WithLabelValues(string(req.Outcome), "sent").Inc()
	return true
}

// BulkResult aggregates the outcome of SendBulk.
type BulkResult struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// SendBulk sends each item sequentially. One item's failure does not stop
// processing of the remainder.
func (s *Service) SendBulk(ctx context.Context, reqs []Request) BulkResult {
	var res BulkResult
	for _, req := range reqs {
		if s.Send(ctx, req) {
			res.Sent++
		} else {
			res.Failed++
		}
	}
	return res
}

// validate enforces the required fields before any network activity.
func validate(req Request) error {
	if req.ServiceID == "" {
		return fmt.Errorf("serviceId is required")
	}
	if req.CardUUID == "" {
		return fmt.Errorf("cardUuid is required")
	}
	if !req.Outcome.Valid() {
		return fmt.Errorf("outcome must be %q or %q, got %q",
			cdshooks.OutcomeAccepted, cdshooks.OutcomeOverridden, req.Outcome)
	}
	if req.Outcome == cdshooks.OutcomeOverridden && req.OverrideReason != nil && req.OverrideReason.Reason.Code == "" {
		return fmt.Errorf("overrideReason.reason.code is required when a reason is supplied")
	}
	return nil
}

// checkOverrideReason warns when the supplied reason is not in the card's
// declared overrideReasons catalog. Advisory only.
func (s *Service) checkOverrideReason(req Request) {
	if s.lookup == nil || req.OverrideReason == nil {
		return
	}
	card, ok := s.lookup(req.CardUUID)
	if !ok || len(card.OverrideReasons) == 0 {
		return
	}
	for _, coding := range card.OverrideReasons {
		if coding.Code == req.OverrideReason.Reason.Code {
			return
		}
	}
	s.logger.Warn().
		Str("card", req.CardUUID).
		Str("reason", req.OverrideReason.Reason.Code).
		Msg("override reason not in card catalog")
}
