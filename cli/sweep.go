package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewSweepCommand runs one sweep pass, for cron setups without `serve`.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile and expire abandoned payment intents once",
		Long: `Reconciles every CREATED/PENDING intent idle for longer than
sweeper.pending_window with PayPay. Late successes are settled, the rest
are expired. Intents are skipped while PayPay is unreachable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			engine, err := a.newEngine(true)
			if err != nil {
				return err
			}
			report, err := engine.Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d completed=%d failed=%d expired=%d skipped=%d errors=%d\n",
				report.Scanned, report.Completed, report.Failed, report.Expired, report.Skipped, report.Errors)
			return nil
		},
	}
}

// NewRepairCommand re-applies missing effects of COMPLETED intents.
func NewRepairCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Re-apply missing credits and grants for completed payments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			engine, err := a.newEngine(false)
			if err != nil {
				return err
			}
			report, err := engine.Repair(cmd.Context())
			if err != nil {
				return fmt.Errorf("repair: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d repaired=%d\n", report.Scanned, report.Repaired)
			return nil
		},
	}
}
