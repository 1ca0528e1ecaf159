// Package mcpserver exposes the invocation adapter as a single MCP tool.
package mcpserver

import (
	"context"
	"log/slog"
	"strings"

	"github.com/m4xw311/agentcore/invoke"
	"github.com/m4xw311/agentcore/telemetry"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const ToolName = "invoke"

// Invoker opens one filtered event stream per payload.
type Invoker interface {
	Invoke(ctx context.Context, payload invoke.Payload) *invoke.Stream
}

type invokeArgs struct {
	Prompt string `json:"prompt,omitempty"`
}

type Server struct {
	invoker Invoker
	logger  *slog.Logger
	mcp     *mcp.Server
}

func New(inv Invoker, name, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		invoker: inv,
		logger:  logger,
		mcp:     mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil),
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolName,
		Description: "Send a prompt to the agent and return its reply text.",
	}, s.handleInvoke)
	return s
}

// Run serves MCP over stdin/stdout until the client disconnects or ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcp.Run(ctx, mcp.NewStdioTransport())
}

// Connect serves a single session over t. Used with in-memory transports.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t)
}

func (s *Server) handleInvoke(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[invokeArgs]) (*mcp.CallToolResultFor[any], error) {
	payload := invoke.Payload{}
	if params.Arguments.Prompt != "" {
		payload["prompt"] = params.Arguments.Prompt
	}

	ctx, span := telemetry.StartSpan(ctx, "agentcore.mcp.invoke")
	text, err := Collect(s.invoker.Invoke(ctx, payload))
	telemetry.EndSpan(span, err)
	if err != nil {
		s.logger.Error("mcp invocation failed", "error", err)
		return &mcp.CallToolResultFor[any]{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		}, nil
	}
	s.logger.Info("mcp invocation finished", "chars", len(text))
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil
}

// Collect drains the stream and concatenates its text deltas. The stream is
// closed on return.
func Collect(s *invoke.Stream) (string, error) {
	defer s.Close()
	var b strings.Builder
	for s.Next() {
		if text, ok := invoke.DeltaText(s.Event()); ok {
			b.WriteString(text)
		}
	}
	return b.String(), s.Err()
}
