// Package main provides the agentloop CLI.
//
// # Basic Usage
//
// Run a prompt with the model configured in a YAML file:
//
//	agentloop run --config agentloop.yaml "What is 2+2?"
//
// List the supported providers:
//
//	agentloop providers
//
// # Environment Variables
//
//   - AGENTLOOP_CONFIG: Path to the configuration file (default: agentloop.yaml)
//   - OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY (or GOOGLE_API_KEY),
//     OPENROUTER_API_KEY, AWS_BEDROCK_CREDENTIALS: provider credentials
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentloop",
		Short: "agentloop - tool-augmented LLM agent runner",
		Long: `agentloop drives a bounded agent/tools loop against one of several
model providers with retries, fallback and streaming progress events.

Supported providers: openai, anthropic, google, bedrock, openrouter`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildProvidersCmd(),
	)

	return rootCmd
}
