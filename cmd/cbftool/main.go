// Command cbftool writes and inspects safety certificate tables offline.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/banshee-data/safety.filter/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cbftool",
		Short:         "Tabulate, inspect and query safety certificate tables",
		SilenceUsage:  true,
		SilenceErrors: false,
		Version:       version.String(),
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "filter config (.json or .yaml) describing the grid and seed certificate")

	root.AddCommand(newTabulateCmd())
	root.AddCommand(newInspectCmd())
	root.AddCommand(newQueryCmd())
	root.AddCommand(newExportCmd())
	return root
}

func printf(cmd *cobra.Command, format string, a ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, a...)
}
