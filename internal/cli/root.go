// Package cli implements the chakload command line.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "0.1.0"

// NewRootCmd builds the chakload command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "chakload",
		Short:   "A concurrent HTTP load generator",
		Version: version,
		Long: `chakload drives many virtual users against one HTTP endpoint for a fixed
duration, staggering their start over a ramp-up window, and reports
latency, throughput and error statistics for the run.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// If no subcommand is provided, print help
			return cmd.Help()
		},
	}

	root.AddCommand(newRunCmd())
	return root
}

// Execute runs the command line with os.Args. It is called by main.main().
func Execute() error {
	return NewRootCmd().Execute()
}
