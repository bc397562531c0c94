// Package config loads runtime settings from flags, environment and an optional file.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Keys used with viper. Environment variables are TTLOCK_ plus the key with
// dots replaced by underscores, e.g. TTLOCK_TTLOCK_CLIENT_ID.
const (
	KeyHTTPAddr          = "http.addr"
	KeyHTTPClientTimeout = "http.client_timeout"
	KeyDataDir           = "data.dir"
	KeyLogLevel          = "log.level"
	KeyTimezone          = "time.zone"

	KeyBaseURL        = "ttlock.base_url"
	KeyTokenURL       = "ttlock.token_url"
	KeyClientID       = "ttlock.client_id"
	KeyClientSecret   = "ttlock.client_secret"
	KeyAccessToken    = "ttlock.access_token"
	KeyRefreshToken   = "ttlock.refresh_token"
	KeyExpiresAt      = "ttlock.expires_at"
	KeyRateLimitCodes = "ttlock.rate_limit_codes"

	KeyRetryMax       = "retry.max"
	KeyRetryBaseDelay = "retry.base_delay"
	KeyRetryMaxDelay  = "retry.max_delay"

	KeyRefreshMargin = "token.refresh_margin"

	KeyReconcileInterval = "reconcile.interval"
	KeyReconcileTimeout  = "reconcile.timeout"

	KeyCommandTimeout       = "command.timeout"
	KeyCommandConfirmWindow = "command.confirm_window"

	KeyWebhookMode   = "webhook.mode"
	KeyWebhookSecret = "webhook.secret"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "TTLOCK"

// Webhook verification modes.
const (
	WebhookModePath = "path"
	WebhookModeHMAC = "hmac"
)

// Config stores runtime settings.
type Config struct {
	HTTPAddr          string
	HTTPClientTimeout time.Duration
	DataDir           string
	LogLevel          string

	// Location evaluates passage-mode windows and service times.
	Location *time.Location

	Cloud CloudConfig

	RetryMax       int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	RefreshMargin time.Duration

	ReconcileInterval time.Duration
	ReconcileTimeout  time.Duration

	CommandTimeout       time.Duration
	CommandConfirmWindow time.Duration

	WebhookMode   string
	WebhookSecret string
}

// CloudConfig holds the vendor application credential and endpoints.
type CloudConfig struct {
	BaseURL        string
	TokenURL       string
	ClientID       string
	ClientSecret   string
	AccessToken    string
	RefreshToken   string
	ExpiresAt      time.Time
	RateLimitCodes []int
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyHTTPAddr, ":8099")
	v.SetDefault(KeyHTTPClientTimeout, 20*time.Second)
	v.SetDefault(KeyDataDir, "/data")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyTimezone, "Local")
	v.SetDefault(KeyBaseURL, "https://euapi.ttlock.com/v3/")
	v.SetDefault(KeyTokenURL, "https://euapi.ttlock.com/oauth2/token")
	v.SetDefault(KeyRateLimitCodes, []int{-3003})
	v.SetDefault(KeyRetryMax, 3)
	v.SetDefault(KeyRetryBaseDelay, 500*time.Millisecond)
	v.SetDefault(KeyRetryMaxDelay, 8*time.Second)
	v.SetDefault(KeyRefreshMargin, 60*time.Second)
	v.SetDefault(KeyReconcileInterval, time.Hour)
	v.SetDefault(KeyReconcileTimeout, 2*time.Minute)
	v.SetDefault(KeyCommandTimeout, 30*time.Second)
	v.SetDefault(KeyCommandConfirmWindow, 3*time.Minute)
	v.SetDefault(KeyWebhookMode, WebhookModePath)
}

// BindEnv makes every key readable from TTLOCK_* environment variables.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load builds a Config from v and validates it.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		HTTPAddr:          strings.TrimSpace(v.GetString(KeyHTTPAddr)),
		HTTPClientTimeout: v.GetDuration(KeyHTTPClientTimeout),
		DataDir:           strings.TrimSpace(v.GetString(KeyDataDir)),
		LogLevel:          v.GetString(KeyLogLevel),
		Cloud: CloudConfig{
			BaseURL:        strings.TrimSpace(v.GetString(KeyBaseURL)),
			TokenURL:       strings.TrimSpace(v.GetString(KeyTokenURL)),
			ClientID:       strings.TrimSpace(v.GetString(KeyClientID)),
			ClientSecret:   strings.TrimSpace(v.GetString(KeyClientSecret)),
			AccessToken:    strings.TrimSpace(v.GetString(KeyAccessToken)),
			RefreshToken:   strings.TrimSpace(v.GetString(KeyRefreshToken)),
			RateLimitCodes: v.GetIntSlice(KeyRateLimitCodes),
		},
		RetryMax:             v.GetInt(KeyRetryMax),
		RetryBaseDelay:       v.GetDuration(KeyRetryBaseDelay),
		RetryMaxDelay:        v.GetDuration(KeyRetryMaxDelay),
		RefreshMargin:        v.GetDuration(KeyRefreshMargin),
		ReconcileInterval:    v.GetDuration(KeyReconcileInterval),
		ReconcileTimeout:     v.GetDuration(KeyReconcileTimeout),
		CommandTimeout:       v.GetDuration(KeyCommandTimeout),
		CommandConfirmWindow: v.GetDuration(KeyCommandConfirmWindow),
		WebhookMode:          strings.ToLower(strings.TrimSpace(v.GetString(KeyWebhookMode))),
		WebhookSecret:        v.GetString(KeyWebhookSecret),
	}

	if raw := strings.TrimSpace(v.GetString(KeyExpiresAt)); raw != "" {
		expires, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", KeyExpiresAt, err)
		}
		cfg.Cloud.ExpiresAt = expires
	}

	loc, err := time.LoadLocation(strings.TrimSpace(v.GetString(KeyTimezone)))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", KeyTimezone, err)
	}
	cfg.Location = loc

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Cloud.ClientID == "" {
		errs = append(errs, fmt.Errorf("%s is required", KeyClientID))
	}
	if c.Cloud.ClientSecret == "" {
		errs = append(errs, fmt.Errorf("%s is required", KeyClientSecret))
	}
	if c.Cloud.BaseURL == "" || c.Cloud.TokenURL == "" {
		errs = append(errs, errors.New("cloud endpoints must not be empty"))
	}
	if c.RetryMax < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyRetryMax))
	}
	durations := map[string]time.Duration{
		KeyHTTPClientTimeout:    c.HTTPClientTimeout,
		KeyRetryBaseDelay:       c.RetryBaseDelay,
		KeyRetryMaxDelay:        c.RetryMaxDelay,
		KeyRefreshMargin:        c.RefreshMargin,
		KeyReconcileInterval:    c.ReconcileInterval,
		KeyReconcileTimeout:     c.ReconcileTimeout,
		KeyCommandTimeout:       c.CommandTimeout,
		KeyCommandConfirmWindow: c.CommandConfirmWindow,
	}
	for key, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.WebhookMode != WebhookModePath && c.WebhookMode != WebhookModeHMAC {
		errs = append(errs, fmt.Errorf("%s must be %q or %q", KeyWebhookMode, WebhookModePath, WebhookModeHMAC))
	}
	return errors.Join(errs...)
}

// DBPath returns the SQLite file inside DataDir.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "ttlock-bridge.db")
}
