package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/m4xw311/agentcore/agent"
	"github.com/m4xw311/agentcore/config"
	"github.com/m4xw311/agentcore/errors"
	"github.com/m4xw311/agentcore/invoke"
	"github.com/m4xw311/agentcore/llm"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	llm      string
	modelID  string
	region   string
	addr     string
	logLevel string
}

// app holds what every subcommand shares once flags are parsed.
type app struct {
	flags  flags
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	serve := newServeCmd(a)

	root := &cobra.Command{
		Use:           "agentcore",
		Short:         "Run a streaming model-backed agent behind the agent runtime contract",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		RunE: serve.RunE,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.llm, "llm", "", "model provider: "+strings.Join(config.Providers, ", "))
	pf.StringVar(&a.flags.modelID, "model-id", "", "model identifier passed to the provider")
	pf.StringVar(&a.flags.region, "region", "", "deployment region for the bedrock provider")
	pf.StringVar(&a.flags.addr, "addr", "", "HTTP listen address")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.CompletionOptions.HiddenDefaultCmd = true
	root.AddCommand(serve, newInvokeCmd(a), newMCPCmd(a), newACPCmd(a), newConfigCmd(a))
	return root
}

// setup loads the configuration, applies flag overrides and installs the
// process logger.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	f := cmd.Flags()
	if f.Changed("llm") {
		cfg.LLMClient = a.flags.llm
	}
	if f.Changed("model-id") {
		cfg.ModelID = a.flags.modelID
	}
	if f.Changed("region") {
		cfg.Region = a.flags.region
	}
	if f.Changed("addr") {
		cfg.Server.Addr = a.flags.addr
	}
	if f.Changed("log-level") {
		cfg.Log.Level = a.flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrapf(err, "invalid configuration")
	}

	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	a.cfg = cfg
	a.logger = logger
	return nil
}

// newAdapter builds the model client and the agent handle once. The returned
// func releases the client.
func (a *app) newAdapter(ctx context.Context) (*invoke.Adapter, func(), error) {
	client, err := llm.NewClient(ctx, a.cfg)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to initialise %s client", a.cfg.LLMClient)
	}
	release := func() {
		if c, ok := client.(io.Closer); ok {
			_ = c.Close()
		}
	}

	h, err := agent.New(client, agent.WithSystemPrompt(a.cfg.SystemPrompt))
	if err != nil {
		release()
		return nil, nil, err
	}
	a.logger.Debug("agent ready", "llm", a.cfg.LLMClient, "model_id", a.cfg.ModelID)
	return invoke.New(h), release, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", cfg.Level)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, errors.New("invalid log format %q", cfg.Format)
	}
}
