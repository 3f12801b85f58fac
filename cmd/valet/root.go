package main

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "valet",
	Short: "valet - personal AI agent execution engine",
	Long: `valet runs scheduled jobs and durable agent tasks for a personal
AI agent: reminders, recurring agent work, webhooks, project sweeps and
inbound email processing.`,
	Version: Version,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(jobsCmd)
}
