// Package cdshooks defines the HL7 CDS Hooks 2.0 wire types seen from the
// calling (EHR client) side of the protocol: discovery catalogs, hook
// invocation requests, cards, and card feedback.
package cdshooks

import (
	"time"
)

// ---------------------------------------------------------------------------
// Hook types
// ---------------------------------------------------------------------------

// Recognized hook types.
const (
	HookPatientView         = "patient-view"
	HookMedicationPrescribe = "medication-prescribe"
	HookOrderSign           = "order-sign"
	HookOrderSelect         = "order-select"
	HookEncounterStart      = "encounter-start"
	HookEncounterDischarge  = "encounter-discharge"
)

// KnownHooks lists every hook type this client will fire.
var KnownHooks = []string{
	HookPatientView,
	HookMedicationPrescribe,
	HookOrderSign,
	HookOrderSelect,
	HookEncounterStart,
	HookEncounterDischarge,
}

// IsKnownHook reports whether h is a recognized hook type.
func IsKnownHook(h string) bool {
	for _, k := range KnownHooks {
		if k == h {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Indicators
// ---------------------------------------------------------------------------

// Indicator is the urgency of a card.
type Indicator string

const (
	IndicatorInfo     Indicator = "info"
	IndicatorWarning  Indicator = "warning"
	IndicatorCritical Indicator = "critical"
)

// Severity ranks an indicator for ordering; higher is more urgent. Unknown
// indicators rank below info.
func (i Indicator) Severity() int {
	switch i {
	case IndicatorCritical:
		return 3
	case IndicatorWarning:
		return 2
	case IndicatorInfo:
		return 1
	}
	return 0
}

// ---------------------------------------------------------------------------
// Presentation modes
// ---------------------------------------------------------------------------

// PresentationMode is the UI treatment assigned to a card.
type PresentationMode string

const (
	ModeModal   PresentationMode = "modal"
	ModePopup   PresentationMode = "popup"
	ModeSidebar PresentationMode = "sidebar"
	ModeInline  PresentationMode = "inline"
	ModeBanner  PresentationMode = "banner"
	ModeToast   PresentationMode = "toast"
)

// ---------------------------------------------------------------------------
// Feedback outcomes
// ---------------------------------------------------------------------------

// Outcome is the user's disposition of a card.
type Outcome string

const (
	OutcomeAccepted   Outcome = "accepted"
	OutcomeOverridden Outcome = "overridden"
)

// Valid reports whether o is a recognized feedback outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeAccepted || o == OutcomeOverridden
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

// Service is a single CDS service from the discovery catalog. Immutable once
// fetched for a given discovery cycle.
type Service struct {
	ID                string            `json:"id"`
	Hook              string            `json:"hook"`
	Title             string            `json:"title,omitempty"`
	Description       string            `json:"description"`
	Prefetch          map[string]string `json:"prefetch,omitempty"`
	UsageRequirements string            `json:"usageRequirements,omitempty"`
}

// DiscoveryResponse is the body of GET {base}/cds-services.
type DiscoveryResponse struct {
	Services []Service `json:"services"`
}

// ---------------------------------------------------------------------------
// Invocation
// ---------------------------------------------------------------------------

// HookRequest is the payload POSTed to invoke a hook. HookInstance must be a
// fresh UUID for every invocation.
type HookRequest struct {
	Hook         string             `json:"hook"`
	HookInstance string             `json:"hookInstance"`
	FHIRServer   string             `json:"fhirServer,omitempty"`
	FHIRAuth     *FHIRAuthorization `json:"fhirAuthorization,omitempty"`
	Context      map[string]any     `json:"context"`
	Prefetch     map[string]any     `json:"prefetch,omitempty"`
}

// FHIRAuthorization carries the access token a service may use to call back
// into the FHIR server.
type FHIRAuthorization struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
	Subject     string `json:"subject,omitempty"`
}

// HookResponse is returned from hook invocation.
type HookResponse struct {
	Cards         []Card   `json:"cards"`
	SystemActions []Action `json:"systemActions,omitempty"`
}

// ---------------------------------------------------------------------------
// Cards
// ---------------------------------------------------------------------------

// DisplayBehavior is the client-side presentation decision for a card. It is
// not part of the wire protocol; it is computed after merge.
type DisplayBehavior struct {
	PresentationMode       PresentationMode `json:"presentationMode"`
	AcknowledgmentRequired bool             `json:"acknowledgmentRequired"`
	ReasonRequired         bool             `json:"reasonRequired"`
	SnoozeEnabled          bool             `json:"snoozeEnabled"`
}

// Card is a single alert or suggestion returned by a CDS service. The
// serviceId/serviceName/hookType/timestamp/displayBehavior fields are filled
// in by this client when the response is merged; the rest come off the wire.
type Card struct {
	UUID              string       `json:"uuid,omitempty"`
	Summary           string       `json:"summary"`
	Detail            string       `json:"detail,omitempty"`
	Indicator         Indicator    `json:"indicator"`
	Source            Source       `json:"source"`
	Suggestions       []Suggestion `json:"suggestions,omitempty"`
	Links             []Link       `json:"links,omitempty"`
	OverrideReasons   []Coding     `json:"overrideReasons,omitempty"`
	SelectionBehavior string       `json:"selectionBehavior,omitempty"`

	ServiceID       string          `json:"serviceId,omitempty"`
	ServiceName     string          `json:"serviceName,omitempty"`
	HookType        string          `json:"hookType,omitempty"`
	Timestamp       time.Time       `json:"timestamp,omitempty"`
	DisplayBehavior DisplayBehavior `json:"displayBehavior,omitempty"`
}

// Source identifies where a card came from.
type Source struct {
	Label string  `json:"label"`
	URL   string  `json:"url,omitempty"`
	Icon  string  `json:"icon,omitempty"`
	Topic *Coding `json:"topic,omitempty"`
}

// Suggestion is a suggested action within a card.
type Suggestion struct {
	Label         string   `json:"label"`
	UUID          string   `json:"uuid,omitempty"`
	IsRecommended bool     `json:"isRecommended,omitempty"`
	Actions       []Action `json:"actions,omitempty"`
}

// Action is an individual action within a suggestion or systemActions.
type Action struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Resource    any    `json:"resource,omitempty"`
}

// Link is an external link within a card.
type Link struct {
	Label      string `json:"label"`
	URL        string `json:"url"`
	Type       string `json:"type"`
	AppContext string `json:"appContext,omitempty"`
}

// Coding is a code/system/display triple.
type Coding struct {
	Code    string `json:"code"`
	System  string `json:"system,omitempty"`
	Display string `json:"display,omitempty"`
}

// ---------------------------------------------------------------------------
// Feedback
// ---------------------------------------------------------------------------

// FeedbackItem reports what the user did with one card.
type FeedbackItem struct {
	Card                string               `json:"card"`
	Outcome             Outcome              `json:"outcome"`
	OutcomeTimestamp    string               `json:"outcomeTimestamp"`
	AcceptedSuggestions []AcceptedSuggestion `json:"acceptedSuggestions,omitempty"`
	OverrideReason      *OverrideReason      `json:"overrideReason,omitempty"`
}

// AcceptedSuggestion names a suggestion the user accepted.
type AcceptedSuggestion struct {
	ID string `json:"id"`
}

// OverrideReason is the coded justification for overriding a card.
type OverrideReason struct {
	Reason      Coding `json:"reason"`
	UserComment string `json:"userComment,omitempty"`
}

// FeedbackRequest is the body of POST {base}/cds-services/{id}/feedback.
type FeedbackRequest struct {
	Feedback []FeedbackItem `json:"feedback"`
}
