package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/szer/settlement/catalog"
)

// SeedOptions holds flags for the seed command.
type SeedOptions struct {
	*RootOptions
	File string
}

// NewSeedCommand upserts the program catalog from a YAML file.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SeedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load program prices from a YAML catalog",
		Long: `Upserts every program in the file. Re-running with changed prices
updates them; open payment intents keep the price they were created with.

Example:
  settlement seed --file programs.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			programs, err := catalog.Load(opts.File)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid catalog", err)
			}

			a, err := openApp(cmd.Context(), opts.RootOptions, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := catalog.Seed(cmd.Context(), a.store, programs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d programs\n", n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "catalog YAML file (required)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
