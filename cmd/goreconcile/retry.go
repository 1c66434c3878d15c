package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/goreconcile/pkg/alert/webhook"
	"github.com/mihaimyh/goreconcile/pkg/reconcile"
	"github.com/mihaimyh/goreconcile/pkg/stripe"
)

const (
	providerFailureThreshold = 5
	providerResetTimeout     = 30 * time.Second
)

var retryBatchSize int

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Reprocess failed Stripe webhook events",
	Long: `Selects up to --batch-size failed webhook events that are still under
WEBHOOK_MAX_ATTEMPTS, re-fetches each from Stripe and reconciles the
tenant billing record. One alert is sent to ALERT_WEBHOOK_URL per run
with failures.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(newViper())
		if err := cfg.ValidateRetry(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return runRetry(cmd, cfg)
	},
}

func init() {
	retryCmd.Flags().IntVar(&retryBatchSize, "batch-size", reconcile.DefaultRetryBatchSize, "events selected per run")
}

func runRetry(cmd *cobra.Command, cfg *Config) error {
	ctx := cmd.Context()
	app, err := newApp(ctx, cfg, "retry", os.Stderr)
	if err != nil {
		return err
	}
	defer app.Close()

	release, held, err := app.lock(ctx)
	if err != nil {
		return err
	}
	if held {
		app.zlog.Info().Msg("retry run skipped, lock held by another run")
		return writeJSON(cmd.OutOrStdout(), lockHeldSummary{Job: "retry", Skipped: "lock_held"})
	}
	defer release()

	client, err := stripe.NewClient(stripe.Config{APIKey: cfg.StripeSecretKey, Logger: app.logger})
	if err != nil {
		return err
	}
	breaker := reconcile.NewCircuitBreaker(providerFailureThreshold, providerResetTimeout,
		func(state reconcile.CircuitBreakerState) {
			app.zlog.Warn().Str("state", string(state)).Msg("stripe circuit breaker changed state")
		})
	provider := reconcile.NewBreakerProvider(client, breaker)

	var sink reconcile.AlertSink
	if cfg.AlertWebhookURL != "" {
		webhookSink, err := webhook.New(webhook.Config{URL: cfg.AlertWebhookURL, Logger: app.logger})
		if err != nil {
			return fmt.Errorf("invalid ALERT_WEBHOOK_URL: %w", err)
		}
		sink = webhookSink
	}

	scheduler, err := reconcile.NewRetryScheduler(reconcile.RetryConfig{
		Store:       app.store,
		Provider:    provider,
		Prices:      cfg.Prices,
		MaxAttempts: cfg.MaxAttempts,
		BatchSize:   retryBatchSize,
		TrialDays:   cfg.TrialDays,
		AlertSink:   sink,
		Logger:      app.logger,
		Metrics:     app.metrics,
	})
	if err != nil {
		return err
	}

	report, err := scheduler.Run(ctx)
	app.pushMetrics()
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), report)
}
