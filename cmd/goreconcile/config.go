package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// Environment keys. viper matches them case-insensitively against the
// upper-case environment variable names.
const (
	keyDatabaseURL       = "database_url"
	keyStripeSecretKey   = "stripe_secret_key"
	keyPriceStarter      = "stripe_price_starter"
	keyPriceProfessional = "stripe_price_professional"
	keyPriceEnterprise   = "stripe_price_enterprise"
	keyMaxAttempts       = "webhook_max_attempts"
	keyTrialDays         = "default_trial_days"
	keyAlertWebhookURL   = "alert_webhook_url"
	keyBackfillApply     = "backfill_apply"
	keyRedisURL          = "redis_url"
	keyPushgatewayURL    = "pushgateway_url"
	keyLogLevel          = "log_level"
	keyLogFormat         = "log_format"
)

// Config is the process configuration read from the environment.
type Config struct {
	DatabaseURL     string
	StripeSecretKey string
	Prices          reconcile.PriceConfig
	MaxAttempts     int
	TrialDays       int
	AlertWebhookURL string
	BackfillApply   bool
	RedisURL        string
	PushgatewayURL  string
	LogLevel        string
	LogFormat       string
}

// newViper returns a viper instance bound to the environment with defaults.
func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault(keyMaxAttempts, reconcile.DefaultMaxAttempts)
	v.SetDefault(keyTrialDays, reconcile.DefaultTrialDays)
	v.SetDefault(keyBackfillApply, false)
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyLogFormat, "json")
	return v
}

// loadConfig reads the configuration from v.
func loadConfig(v *viper.Viper) *Config {
	return &Config{
		DatabaseURL:     strings.TrimSpace(v.GetString(keyDatabaseURL)),
		StripeSecretKey: strings.TrimSpace(v.GetString(keyStripeSecretKey)),
		Prices: reconcile.PriceConfig{
			Starter:      strings.TrimSpace(v.GetString(keyPriceStarter)),
			Professional: strings.TrimSpace(v.GetString(keyPriceProfessional)),
			Enterprise:   strings.TrimSpace(v.GetString(keyPriceEnterprise)),
		},
		MaxAttempts:     v.GetInt(keyMaxAttempts),
		TrialDays:       v.GetInt(keyTrialDays),
		AlertWebhookURL: strings.TrimSpace(v.GetString(keyAlertWebhookURL)),
		BackfillApply:   v.GetBool(keyBackfillApply),
		RedisURL:        strings.TrimSpace(v.GetString(keyRedisURL)),
		PushgatewayURL:  strings.TrimSpace(v.GetString(keyPushgatewayURL)),
		LogLevel:        strings.ToLower(strings.TrimSpace(v.GetString(keyLogLevel))),
		LogFormat:       strings.ToLower(strings.TrimSpace(v.GetString(keyLogFormat))),
	}
}

// Validate checks the settings every job needs.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, errors.New("WEBHOOK_MAX_ATTEMPTS must be a positive integer"))
	}
	if c.TrialDays <= 0 {
		errs = append(errs, errors.New("DEFAULT_TRIAL_DAYS must be a positive integer"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil || c.LogLevel == "" {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is not a valid level", c.LogLevel))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// ValidateRetry checks the additional settings of the retry job.
func (c *Config) ValidateRetry() error {
	err := c.Validate()
	if c.StripeSecretKey == "" {
		err = errors.Join(err, errors.New("STRIPE_SECRET_KEY is required"))
	}
	return err
}
