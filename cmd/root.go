// Package cmd holds the agentd command tree.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/agencykit/agentd/cmd.Version=v1.0.0".
var Version = "dev"

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "agentd — multi-tenant agent orchestrator",
	Long:  "agentd runs event-sourced LLM agents behind a REST and WebSocket gateway, with blueprints, schedules, subagents, and MCP tool servers.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
