// Package cmd implements the ctrlplaned CLI: a thin surface over
// internal/daemon and internal/transport/ws for running the daemon and
// inspecting, attaching to, and stopping its sessions.
package cmd

import (
	"github.com/spf13/cobra"

	"ctrlplane/internal/config"
)

// NewRootCmd creates the root cobra command with all subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ctrlplaned",
		Short: "Local control plane for supervised coding-agent sessions",
		Long:  "ctrlplaned supervises PTY-based coding-agent child processes, detects their state, and auto-approves safe prompts on a schedule.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			refreshTerminalColorHintsCache()

			switch cmd.Name() {
			case "version", "help", "completion", "serve":
				return nil
			}
			_, err := config.Load()
			return err
		},
	}

	listCmd := newSessionsListCmd()
	rootCmd.AddCommand(
		newServeCmd(),
		newSessionsCmd(listCmd),
		newVersionCmd(),
	)

	return rootCmd
}
