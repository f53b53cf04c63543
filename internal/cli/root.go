package cli

import (
	"github.com/spf13/cobra"

	clicfg "github.com/coral-mesh/syscat/internal/cli/config"
	"github.com/coral-mesh/syscat/internal/cli/helpers"
	"github.com/coral-mesh/syscat/internal/cli/summary"
	"github.com/coral-mesh/syscat/internal/cli/syscalls"
	"github.com/coral-mesh/syscat/internal/cli/trace"
	"github.com/coral-mesh/syscat/pkg/version"
)

// NewRootCmd builds the syscat command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "syscat",
		Short: "syscat - decode the system calls of a running program",
		Long: `Trace the system calls of a program and print them with their
decoded arguments, return values and call stacks.

Launch a program with "syscat trace -- <command>" or attach to a running
one with "syscat trace --pid <pid>". Traces can be recorded to DuckDB,
summarized later, and compared against a golden trace.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	helpers.AddPersistentFlags(rootCmd)

	rootCmd.AddCommand(trace.NewTraceCmd())
	rootCmd.AddCommand(syscalls.NewSyscallsCmd())
	rootCmd.AddCommand(summary.NewSummaryCmd())
	rootCmd.AddCommand(clicfg.NewConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version.String())
		},
	}
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
