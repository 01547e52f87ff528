package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/szer/settlement/settlement"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	User string
}

// NewVerifyCommand checks that balances equal the sum of their movements.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check every balance against its movement history",
		Long: `Recomputes each user's balance from the ledger and compares it with the
stored balance. Exits 1 if any user has drifted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts.RootOptions, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			ledger := settlement.NewLedger(a.store, a.plan())
			out := cmd.OutOrStdout()

			var drifts []*settlement.DriftError
			if opts.User != "" {
				err := ledger.Verify(cmd.Context(), settlement.UserID(opts.User))
				var drift *settlement.DriftError
				switch {
				case errors.As(err, &drift):
					drifts = append(drifts, drift)
				case err != nil:
					return err
				}
			} else {
				drifts, err = ledger.VerifyAll(cmd.Context())
				if err != nil {
					return err
				}
			}

			for _, d := range drifts {
				fmt.Fprintln(out, d.Error())
			}
			if len(drifts) > 0 {
				return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d balances drifted", len(drifts))}
			}
			fmt.Fprintln(out, "ledger consistent")
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "verify a single user id")

	return cmd
}
