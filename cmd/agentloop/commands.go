package main

import (
	"github.com/spf13/cobra"
)

type runOptions struct {
	configPath    string
	provider      string
	model         string
	systemPrompt  string
	vars          map[string]string
	images        []string
	maxIterations int
	stream        bool
	events        bool
	jsonMode      bool
}

func buildRunCmd() *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Execute a prompt and print the JSON result",
		Long: `Execute a prompt with the configured model and print the result as JSON.

The prompt is taken from the arguments or, when none are given, from stdin.
Flags override the values of the configuration file.

Examples:
  agentloop run "What is 2+2?"
  agentloop run --provider anthropic --model claude-3-5-haiku-latest "Hi"
  agentloop run --system "You are a {{ .role }}." --var role=poet "Write a haiku"
  echo "Summarize Go generics" | agentloop run --stream --events`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrompt(cmd, args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to the YAML config (or set AGENTLOOP_CONFIG)")
	cmd.Flags().StringVar(&opts.provider, "provider", "", "Provider override")
	cmd.Flags().StringVar(&opts.model, "model", "", "Model override")
	cmd.Flags().StringVar(&opts.systemPrompt, "system", "", "System prompt override (Go template)")
	cmd.Flags().StringToStringVar(&opts.vars, "var", nil, "System prompt template variables (key=value)")
	cmd.Flags().StringSliceVar(&opts.images, "image", nil, "Image URL attached to the prompt (http(s)://, data: or file://)")
	cmd.Flags().IntVar(&opts.maxIterations, "max-iterations", 0, "Maximum agent turns")
	cmd.Flags().BoolVar(&opts.stream, "stream", false, "Use the streaming model variant")
	cmd.Flags().BoolVar(&opts.events, "events", false, "Print progress events as JSON lines to stderr")
	cmd.Flags().BoolVar(&opts.jsonMode, "json", false, "Request a JSON object response")

	return cmd
}

func buildProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List supported model providers and their credential variables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listProviders(cmd)
		},
	}
}
