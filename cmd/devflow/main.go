// Package main is the devflow binary: one executable carrying the
// orchestrator process, the execution node, and the project context
// commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devflow",
		Short: "Distributed multi-agent task orchestrator",
		Long: `Devflow coordinates specialized coding agents over a shared task
lifecycle. A workflow is a DAG of steps; each step is dispatched to an
agent role and its output feeds the steps that depend on it.

The serve command runs the full orchestrator process. The node command
runs only the execution side, which an orchestrator drives over HTTP
and WebSocket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringP("config", "c", "", "Config file directory")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newNodeCommand())
	cmd.AddCommand(newInitCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("devflow version %s\n", Version)
		},
	}
}
