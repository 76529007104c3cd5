package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hupe1980/agentloop/config"
	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/engine"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/model/provider"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "agentloop.yaml"

// modelFactory is replaced in tests.
var modelFactory provider.Factory = provider.New

var errRunFailed = errors.New("run failed")

func runPrompt(cmd *cobra.Command, args []string, opts runOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	if opts.provider != "" {
		kind, err := model.ParseProviderKind(opts.provider)
		if err != nil {
			return err
		}
		cfg.Model.Provider = kind
	}
	if opts.model != "" {
		cfg.Model.Model = opts.model
	}
	if opts.systemPrompt != "" {
		cfg.SystemPrompt = opts.systemPrompt
	}
	if opts.maxIterations > 0 {
		cfg.MaxIterations = opts.maxIterations
	}
	if opts.jsonMode {
		cfg.Model.JSONMode = true
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	prompt, err := readPrompt(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	vars := make(map[string]any, len(opts.vars))
	for k, v := range opts.vars {
		vars[k] = v
	}

	images := make([]core.ImagePart, 0, len(opts.images))
	for _, u := range opts.images {
		images = append(images, core.ImagePart{URL: u})
	}

	var sink core.EventSink
	if opts.events {
		enc := json.NewEncoder(cmd.ErrOrStderr())
		sink = core.SinkFunc(func(_ context.Context, ev core.StreamEvent) error {
			return enc.Encode(ev)
		})
	}

	eng := engine.New(func(o *engine.Options) {
		o.Logger = cfg.Logger().WithComponent("cli")
		o.Factory = modelFactory
		o.Retry = cfg.RetryPolicy()
		o.MaxIterations = cfg.MaxIterations
		o.AllowLocalImages = true
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res := eng.Execute(ctx, engine.Input{
		Message:      prompt,
		Images:       images,
		SystemPrompt: cfg.SystemPrompt,
		Vars:         vars,
		Model:        cfg.Model,
		Credentials:  config.CredentialsFromEnv(),
		Stream:       opts.stream,
		Sink:         sink,
	})

	out := json.NewEncoder(cmd.OutOrStdout())
	out.SetIndent("", "  ")
	if err := out.Encode(res); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	if !res.Success {
		return fmt.Errorf("%w: %s", errRunFailed, res.Error)
	}

	return nil
}

func loadConfig(explicit string) (*config.Config, error) {
	path := strings.TrimSpace(explicit)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("AGENTLOOP_CONFIG"))
	}

	if path == "" {
		cfg, err := config.Load(defaultConfigPath)
		if errors.Is(err, config.ErrNotFound) {
			// Without a file the model must come from flags.
			d := config.Default()
			return &d, nil
		}
		return cfg, err
	}

	return config.Load(path)
}

func readPrompt(stdin io.Reader, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}

	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}

	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("no prompt given")
	}

	return prompt, nil
}

var credentialVars = map[model.ProviderKind]string{
	model.ProviderOpenAI:     config.EnvOpenAI,
	model.ProviderAnthropic:  config.EnvAnthropic,
	model.ProviderGoogle:     config.EnvGemini + " | " + config.EnvGoogle,
	model.ProviderBedrock:    config.EnvBedrock,
	model.ProviderOpenRouter: config.EnvOpenRouter,
}

func listProviders(cmd *cobra.Command) error {
	creds := config.CredentialsFromEnv()
	out := cmd.OutOrStdout()

	for _, kind := range provider.Kinds() {
		status := "missing"
		if _, ok := creds[kind]; ok {
			status = "configured"
		}
		if _, err := fmt.Fprintf(out, "%-11s %-40s %s\n", kind, credentialVars[kind], status); err != nil {
			return err
		}
	}

	return nil
}
