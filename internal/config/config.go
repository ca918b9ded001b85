package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	CDSBaseURL  string   `mapstructure:"CDS_BASE_URL"`
	FHIRBaseURL string   `mapstructure:"FHIR_BASE_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	DiscoveryTTLSeconds  int `mapstructure:"DISCOVERY_TTL_SECONDS"`
	DedupeWindowSeconds  int `mapstructure:"DEDUPE_WINDOW_SECONDS"`
	InvokeTimeoutSeconds int `mapstructure:"INVOKE_TIMEOUT_SECONDS"`

	PrefetchCacheSize       int `mapstructure:"PREFETCH_CACHE_SIZE"`
	PrefetchCacheTTLSeconds int `mapstructure:"PREFETCH_CACHE_TTL_SECONDS"`

	// Per-hook display behavior policy, JSON file (optional).
	HookConfigFile string `mapstructure:"HOOK_CONFIG_FILE"`

	// SMART Backend Services credentials (optional). When set, hook requests
	// carry a fhirAuthorization block.
	SMARTTokenURL       string `mapstructure:"SMART_TOKEN_URL"`
	SMARTClientID       string `mapstructure:"SMART_CLIENT_ID"`
	SMARTPrivateKeyFile string `mapstructure:"SMART_PRIVATE_KEY_FILE"`
	SMARTScopes         string `mapstructure:"SMART_SCOPES"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8090")
	v.SetDefault("ENV", "development")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("DISCOVERY_TTL_SECONDS", 300)
	v.SetDefault("DEDUPE_WINDOW_SECONDS", 5)
	v.SetDefault("INVOKE_TIMEOUT_SECONDS", 15)
	v.SetDefault("PREFETCH_CACHE_SIZE", 256)
	v.SetDefault("PREFETCH_CACHE_TTL_SECONDS", 30)
	v.SetDefault("SMART_SCOPES", "system/*.read")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("CDS_BASE_URL")
	v.BindEnv("FHIR_BASE_URL")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("DISCOVERY_TTL_SECONDS")
	v.BindEnv("DEDUPE_WINDOW_SECONDS")
	v.BindEnv("INVOKE_TIMEOUT_SECONDS")
	v.BindEnv("PREFETCH_CACHE_SIZE")
	v.BindEnv("PREFETCH_CACHE_TTL_SECONDS")
	v.BindEnv("HOOK_CONFIG_FILE")
	v.BindEnv("SMART_TOKEN_URL")
	v.BindEnv("SMART_CLIENT_ID")
	v.BindEnv("SMART_PRIVATE_KEY_FILE")
	v.BindEnv("SMART_SCOPES")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.CDSBaseURL == "" {
		return nil, fmt.Errorf("CDS_BASE_URL is required")
	}
	if cfg.FHIRBaseURL == "" {
		return nil, fmt.Errorf("FHIR_BASE_URL is required")
	}

	if cfg.SMARTTokenURL != "" && (cfg.SMARTClientID == "" || cfg.SMARTPrivateKeyFile == "") {
		return nil, fmt.Errorf("SMART_TOKEN_URL requires SMART_CLIENT_ID and SMART_PRIVATE_KEY_FILE")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// DiscoveryTTL returns the discovery cache TTL as a duration.
func (c *Config) DiscoveryTTL() time.Duration {
	return time.Duration(c.DiscoveryTTLSeconds) * time.Second
}

// DedupeWindow returns the execution dedupe window as a duration.
func (c *Config) DedupeWindow() time.Duration {
	return time.Duration(c.DedupeWindowSeconds) * time.Second
}

// InvokeTimeout returns the per-service invocation timeout as a duration.
func (c *Config) InvokeTimeout() time.Duration {
	return time.Duration(c.InvokeTimeoutSeconds) * time.Second
}

// PrefetchCacheTTL returns the prefetch response cache TTL as a duration.
func (c *Config) PrefetchCacheTTL() time.Duration {
	return time.Duration(c.PrefetchCacheTTLSeconds) * time.Second
}

// SMARTEnabled reports whether backend-services auth is configured.
func (c *Config) SMARTEnabled() bool {
	return c.SMARTTokenURL != ""
}
