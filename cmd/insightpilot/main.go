// Package main is the CLI entry point for the InsightPilot
// conversational analytics server.
//
// Start the server:
//
//	insightpilot serve --config insightpilot.yaml
//
// Secrets can be provided via environment variables instead of the
// config file: ANTHROPIC_API_KEY, OPENAI_API_KEY, DATABASE_URL,
// INSIGHTPILOT_JWT_SECRET, INSIGHTPILOT_JOB_SECRET.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "insightpilot",
		Short: "InsightPilot - conversational data analysis server",
		Long: `InsightPilot answers questions about selected datasets through a
streaming conversational agent with tool execution: dataset sampling,
sandboxed analysis code, report generation, and calculations.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildTokenCmd(),
	)
	return rootCmd
}
