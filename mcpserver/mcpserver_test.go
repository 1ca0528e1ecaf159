package mcpserver

import (
	"context"
	"errors"
	"testing"

	"github.com/m4xw311/agentcore/agent"
	"github.com/m4xw311/agentcore/invoke"
	"github.com/m4xw311/agentcore/llm"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedStream struct {
	events []agent.Event
	err    error
	pos    int
	cur    agent.Event
	closed bool
}

func (s *scriptedStream) Next() bool {
	if s.closed || s.pos >= len(s.events) {
		return false
	}
	s.cur = s.events[s.pos]
	s.pos++
	return true
}

func (s *scriptedStream) Event() agent.Event { return s.cur }
func (s *scriptedStream) Err() error {
	if s.pos >= len(s.events) {
		return s.err
	}
	return nil
}
func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

type scriptedHandle struct {
	events  []agent.Event
	err     error
	prompts []any
	last    *scriptedStream
}

func (h *scriptedHandle) Stream(_ context.Context, prompt any) agent.EventStream {
	h.prompts = append(h.prompts, prompt)
	h.last = &scriptedStream{events: h.events, err: h.err}
	return h.last
}

func delta(text string) agent.Event {
	return agent.Event{"event": map[string]any{
		"contentBlockDelta": map[string]any{"contentBlockIndex": 0, "delta": map[string]any{"text": text}},
	}}
}

func TestCollect(t *testing.T) {
	h := &scriptedHandle{events: []agent.Event{
		{"event": map[string]any{"messageStart": map[string]any{"role": "assistant"}}},
		delta("Hello, "),
		{"data": "ignored"},
		delta("world"),
		{"event": map[string]any{"messageStop": map[string]any{"stopReason": "end_turn"}}},
	}}

	text, err := Collect(invoke.New(h).Invoke(context.Background(), invoke.Payload{"prompt": "hi"}))
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", text)
	assert.True(t, h.last.closed)
}

func TestCollectKeepsPartialTextOnError(t *testing.T) {
	reset := errors.New("connection reset")
	h := &scriptedHandle{events: []agent.Event{delta("par")}, err: reset}

	text, err := Collect(invoke.New(h).Invoke(context.Background(), invoke.Payload{}))
	assert.Same(t, reset, err)
	assert.Equal(t, "par", text)
	assert.Equal(t, []any{invoke.FallbackPrompt}, h.prompts)
}

func callInvoke(t *testing.T, inv Invoker, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	srv := New(inv, "agentcore-test", "v0.0.0", nil)
	ss, err := srv.Connect(ctx, serverTransport)
	require.NoError(t, err)
	t.Cleanup(func() { ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.0"}, nil)
	cs, err := client.Connect(ctx, clientTransport)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: ToolName, Arguments: args})
	require.NoError(t, err)
	return res
}

func TestInvokeToolWithMockModel(t *testing.T) {
	a, err := agent.New(&llm.MockLLMClient{})
	require.NoError(t, err)

	res := callInvoke(t, invoke.New(a), map[string]any{"prompt": "2+2?"})
	assert.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "I am a mock LLM. You said: '2+2?'.", text.Text)
}

func TestInvokeToolReportsBackendError(t *testing.T) {
	h := &scriptedHandle{err: errors.New("ValidationException: model not found")}

	res := callInvoke(t, invoke.New(h), map[string]any{"prompt": "hi"})
	assert.True(t, res.IsError)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "ValidationException: model not found", res.Content[0].(*mcp.TextContent).Text)
	assert.Equal(t, []any{"hi"}, h.prompts)
}
