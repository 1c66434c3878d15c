package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

var backfillFailFast bool

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Audit tenant billing records and optionally fix them",
	Long: `Scans every tenant billing record for invariant violations and prints
a report. With --apply (or BACKFILL_APPLY=true) each correction is
written. By default a failed correction is reported and the remaining
ones are still applied; --fail-fast stops at the first failure.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v := newViper()
		if err := v.BindPFlag(keyBackfillApply, cmd.Flags().Lookup("apply")); err != nil {
			return err
		}
		cfg := loadConfig(v)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return runBackfill(cmd, cfg)
	},
}

func init() {
	backfillCmd.Flags().Bool("apply", false, "write corrections instead of only reporting them")
	backfillCmd.Flags().BoolVar(&backfillFailFast, "fail-fast", false, "stop applying at the first failed correction")
}

// backfillOptions maps the configuration onto auditor mode and policy.
func backfillOptions(cfg *Config, failFast bool) (reconcile.BackfillMode, reconcile.ApplyPolicy) {
	mode := reconcile.ModeDryRun
	if cfg.BackfillApply {
		mode = reconcile.ModeApply
	}
	policy := reconcile.ApplyContinue
	if failFast {
		policy = reconcile.ApplyFailFast
	}
	return mode, policy
}

func runBackfill(cmd *cobra.Command, cfg *Config) error {
	ctx := cmd.Context()
	app, err := newApp(ctx, cfg, "backfill", os.Stderr)
	if err != nil {
		return err
	}
	defer app.Close()

	release, held, err := app.lock(ctx)
	if err != nil {
		return err
	}
	if held {
		app.zlog.Info().Msg("backfill run skipped, lock held by another run")
		return writeJSON(cmd.OutOrStdout(), lockHeldSummary{Job: "backfill", Skipped: "lock_held"})
	}
	defer release()

	mode, policy := backfillOptions(cfg, backfillFailFast)
	auditor, err := reconcile.NewAuditor(reconcile.BackfillConfig{
		Store:     app.store,
		Mode:      mode,
		Policy:    policy,
		TrialDays: cfg.TrialDays,
		Logger:    app.logger,
		Metrics:   app.metrics,
	})
	if err != nil {
		return err
	}

	report, err := auditor.Run(ctx)
	app.pushMetrics()
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), report)
}
