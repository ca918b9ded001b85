// Package display maps card indicators and per-hook display policy to the
// presentation behavior the UI applies to each card.
package display

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ehr/cds-client/internal/cdshooks"
)

// ---------------------------------------------------------------------------
// Hook configuration
// ---------------------------------------------------------------------------

// BehaviorConfig selects a presentation mode per indicator for one hook type.
type BehaviorConfig struct {
	DefaultMode        string            `json:"defaultMode"`
	IndicatorOverrides map[string]string `json:"indicatorOverrides,omitempty"`
}

// AcknowledgmentConfig controls whether a card must be acknowledged and
// whether dismissal requires a coded reason.
type AcknowledgmentConfig struct {
	Required       bool `json:"required"`
	ReasonRequired bool `json:"reasonRequired"`
}

// SnoozeConfig controls whether cards for this hook can be snoozed.
type SnoozeConfig struct {
	Enabled bool `json:"enabled"`
}

// HookConfig is the display policy for one hook type.
type HookConfig struct {
	DisplayBehavior *BehaviorConfig       `json:"displayBehavior,omitempty"`
	Acknowledgment  *AcknowledgmentConfig `json:"acknowledgment,omitempty"`
	Snooze          *SnoozeConfig         `json:"snooze,omitempty"`
}

// Config maps hook type to its display policy.
type Config map[string]HookConfig

// LoadConfig reads a JSON hook configuration file. A missing path returns an
// empty config, not an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hook config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse hook config: %w", err)
	}
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Mapper
// ---------------------------------------------------------------------------

// modeTable translates configured mode strings to presentation modes.
// Unrecognized strings fall back to popup.
var modeTable = map[string]cdshooks.PresentationMode{
	"hard-stop": cdshooks.ModeModal,
	"modal":     cdshooks.ModeModal,
	"popup":     cdshooks.ModePopup,
	"sidebar":   cdshooks.ModeSidebar,
	"inline":    cdshooks.ModeInline,
	"banner":    cdshooks.ModeBanner,
	"toast":     cdshooks.ModeToast,
}

// Mapper resolves display behavior for cards. It is a pure function of its
// configuration and the card indicator.
type Mapper struct {
	cfg Config
}

// NewMapper creates a Mapper over the given hook configuration.
func NewMapper(cfg Config) *Mapper {
	if cfg == nil {
		cfg = Config{}
	}
	return &Mapper{cfg: cfg}
}

// Map resolves the display behavior for a card fired on hookType. Resolution
// order: indicator-specific override, then the hook's default mode, then a
// hard default of popup.
func (m *Mapper) Map(hookType string, indicator cdshooks.Indicator) cdshooks.DisplayBehavior {
	out := cdshooks.DisplayBehavior{PresentationMode: cdshooks.ModePopup}

	hc, ok := m.cfg[hookType]
	if !ok {
		return out
	}

	mode := ""
	if hc.DisplayBehavior != nil {
		if ov, ok := hc.DisplayBehavior.IndicatorOverrides[string(indicator)]; ok {
			mode = ov
		} else {
			mode = hc.DisplayBehavior.DefaultMode
		}
	}
	if pm, ok := modeTable[mode]; ok {
		out.PresentationMode = pm
	}

	if hc.Acknowledgment != nil {
		out.AcknowledgmentRequired = hc.Acknowledgment.Required
		out.ReasonRequired = hc.Acknowledgment.ReasonRequired
	}
	if hc.Snooze != nil {
		out.SnoozeEnabled = hc.Snooze.Enabled
	}
	return out
}
