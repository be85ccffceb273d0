package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// NewRootCommand builds the coreproj root cobra command and wires every
// subcommand onto it.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "coreproj",
		Short: "coreproj runs and inspects projection runtimes",
		Long: `coreproj is the command-line companion to a projection runtime:
it inspects checkpoints, diagnoses event log connectivity, and scaffolds
a coreproj.yaml for a new projection.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		NewInitCommand(),
		NewStatusCommand(),
		NewCheckpointCommand(),
		NewDiagnoseCommand(),
		NewVersionCommand(),
	)

	return root
}

// Execute runs the root command, printing any error to stderr and
// exiting non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
