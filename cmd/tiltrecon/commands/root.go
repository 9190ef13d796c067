// Package commands defines the CLI command structure and flag bindings.
package commands

import "github.com/spf13/cobra"

// Root returns the root command for the tiltrecon CLI.
func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tiltrecon",
		Short:         "Reconstruct tomograms from tilt-series",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(Reconstruct())
	cmd.AddCommand(Config())
	cmd.AddCommand(Version())

	return cmd
}
