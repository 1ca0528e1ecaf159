package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/m4xw311/agentcore/acp"
	"github.com/m4xw311/agentcore/mcpserver"
	"github.com/m4xw311/agentcore/server"
	"github.com/m4xw311/agentcore/telemetry"
	"github.com/m4xw311/agentcore/terminal"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve /invocations, /ping and /ws over HTTP (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdown, err := telemetry.Setup(ctx, a.cfg.Telemetry)
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdown(cmd.Context()); err != nil {
					a.logger.Warn("telemetry shutdown failed", "error", err)
				}
			}()

			adapter, release, err := a.newAdapter(ctx)
			if err != nil {
				return err
			}
			defer release()

			srv := server.New(adapter, a.cfg.Server.Addr,
				server.WithLogger(a.logger),
				server.WithShutdownTimeout(a.cfg.Server.ShutdownTimeout))
			return srv.Run(ctx)
		},
	}
}

func newInvokeCmd(a *app) *cobra.Command {
	var interactive bool
	cmd := &cobra.Command{
		Use:   "invoke [prompt...]",
		Short: "Run one prompt, or read payloads line by line from stdin",
		Example: `  agentcore invoke --llm mock "What is 2+2?"
  echo '{"prompt": "hello"}' | agentcore invoke`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			adapter, release, err := a.newAdapter(ctx)
			if err != nil {
				return err
			}
			defer release()

			var opts []terminal.Option
			if isTerminal(cmd.InOrStdin()) {
				opts = append(opts, terminal.WithPrompt("You: "))
			}
			term := terminal.New(adapter, cmd.InOrStdin(), cmd.OutOrStdout(), opts...)

			prompt := strings.Join(args, " ")
			if prompt != "" && !interactive {
				return term.Once(ctx, prompt)
			}
			return term.Run(ctx, prompt)
		},
	}
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "keep reading from stdin after the prompt given as arguments")
	return cmd
}

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Expose the agent as an MCP tool over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			adapter, release, err := a.newAdapter(ctx)
			if err != nil {
				return err
			}
			defer release()

			return mcpserver.New(adapter, "agentcore", version, a.logger).Run(ctx)
		},
	}
}

func newACPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "acp",
		Short: "Serve the Agent Client Protocol over stdio for code editors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			adapter, release, err := a.newAdapter(ctx)
			if err != nil {
				return err
			}
			defer release()

			return acp.Run(ctx, adapter, cmd.InOrStdin(), cmd.OutOrStdout(), a.logger)
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := a.cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func isTerminal(r any) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
