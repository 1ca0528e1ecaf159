package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/m4xw311/agentcore/agent"
	"github.com/m4xw311/agentcore/invoke"
	"github.com/m4xw311/agentcore/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// harness drives Run over a pair of pipes, one JSON-RPC line at a time.
type harness struct {
	t    *testing.T
	in   *io.PipeWriter
	out  *bufio.Scanner
	done chan error
}

func start(t *testing.T, h invoke.Handle) *harness {
	t.Helper()
	return startContext(t, context.Background(), h)
}

func startContext(t *testing.T, ctx context.Context, h invoke.Handle) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	t.Cleanup(func() { inW.Close() })
	outR, outW := io.Pipe()
	hs := &harness{t: t, in: inW, out: bufio.NewScanner(outR), done: make(chan error, 1)}
	go func() {
		err := Run(ctx, invoke.New(h), inR, outW, nil)
		outW.Close()
		hs.done <- err
	}()
	return hs
}

func (h *harness) send(msg string) {
	h.t.Helper()
	_, err := io.WriteString(h.in, msg+"\n")
	require.NoError(h.t, err)
}

func (h *harness) recv() map[string]any {
	h.t.Helper()
	require.True(h.t, h.out.Scan(), "expected a message")
	var msg map[string]any
	require.NoError(h.t, json.Unmarshal(h.out.Bytes(), &msg))
	return msg
}

// recvResponse skips notifications and returns them along with the response.
func (h *harness) recvResponse() (map[string]any, []map[string]any) {
	h.t.Helper()
	var notes []map[string]any
	for {
		msg := h.recv()
		if _, ok := msg["method"]; ok {
			notes = append(notes, msg)
			continue
		}
		return msg, notes
	}
}

func (h *harness) newSession() string {
	h.t.Helper()
	h.send(`{"jsonrpc":"2.0","id":100,"method":"session/new","params":{"cwd":"/tmp","mcpServers":[]}}`)
	resp := h.recv()
	sid, ok := resp["result"].(map[string]any)["sessionId"].(string)
	require.True(h.t, ok)
	require.True(h.t, strings.HasPrefix(sid, "sess_"))
	return sid
}

func (h *harness) close() {
	h.t.Helper()
	require.NoError(h.t, h.in.Close())
	select {
	case err := <-h.done:
		assert.NoError(h.t, err)
	case <-time.After(2 * time.Second):
		h.t.Fatal("Run did not return after EOF")
	}
}

func errorCode(t *testing.T, resp map[string]any) float64 {
	t.Helper()
	e, ok := resp["error"].(map[string]any)
	require.True(t, ok, "expected an error response, got %v", resp)
	return e["code"].(float64)
}

func mockAgent(t *testing.T) *agent.Agent {
	t.Helper()
	a, err := agent.New(&llm.MockLLMClient{})
	require.NoError(t, err)
	return a
}

func TestInitialize(t *testing.T) {
	h := start(t, mockAgent(t))
	h.send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":1,"clientCapabilities":{}}}`)

	resp := h.recv()
	assert.Equal(t, 1.0, resp["id"])
	result := resp["result"].(map[string]any)
	assert.Equal(t, 1.0, result["protocolVersion"])
	assert.Equal(t, false, result["agentCapabilities"].(map[string]any)["loadSession"])
	h.close()
}

func TestSessionPromptStreamsChunks(t *testing.T) {
	h := start(t, mockAgent(t))
	sid := h.newSession()

	h.send(`{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"` + sid + `","prompt":[{"type":"text","text":"2+2?"},{"type":"image"}]}}`)
	resp, notes := h.recvResponse()

	assert.Equal(t, 2.0, resp["id"])
	assert.Equal(t, map[string]any{"stopReason": "end_turn"}, resp["result"])

	var text strings.Builder
	for _, n := range notes {
		assert.Equal(t, "session/update", n["method"])
		params := n["params"].(map[string]any)
		assert.Equal(t, sid, params["sessionId"])
		update := params["update"].(map[string]any)
		assert.Equal(t, "agent_message_chunk", update["sessionUpdate"])
		text.WriteString(update["content"].(map[string]any)["text"].(string))
	}
	assert.Equal(t, "I am a mock LLM. You said: '2+2?'.", text.String())

	// Sessions are reusable once the prompt has answered.
	h.send(`{"jsonrpc":"2.0","id":3,"method":"session/prompt","params":{"sessionId":"` + sid + `","prompt":[{"type":"text","text":"again"}]}}`)
	resp, _ = h.recvResponse()
	assert.Equal(t, 3.0, resp["id"])
	assert.Contains(t, resp, "result")
	h.close()
}

func TestRequestErrors(t *testing.T) {
	h := start(t, mockAgent(t))
	sid := h.newSession()

	h.send(`{not json`)
	resp := h.recv()
	assert.Equal(t, float64(codeParseError), errorCode(t, resp))
	assert.Nil(t, resp["id"])

	h.send(`{"jsonrpc":"2.0","id":4,"method":"session/load","params":{"sessionId":"x"}}`)
	assert.Equal(t, float64(codeMethodNotFound), errorCode(t, h.recv()))

	h.send(`{"jsonrpc":"2.0","id":5,"method":"session/prompt","params":{"sessionId":"missing","prompt":[{"type":"text","text":"hi"}]}}`)
	assert.Equal(t, float64(codeInvalidParams), errorCode(t, h.recv()))

	h.send(`{"jsonrpc":"2.0","id":6,"method":"session/prompt","params":{"sessionId":"` + sid + `","prompt":[{"type":"text","text":"  "}]}}`)
	assert.Equal(t, float64(codeInvalidParams), errorCode(t, h.recv()))

	// Unknown notifications get no reply; the next response is for id 7.
	h.send(`{"jsonrpc":"2.0","method":"$/progress","params":{}}`)
	h.send(`{"jsonrpc":"2.0","id":7,"method":"initialize","params":{}}`)
	assert.Equal(t, 7.0, h.recv()["id"])
	h.close()
}

type failingStream struct{ err error }

func (s *failingStream) Next() bool         { return false }
func (s *failingStream) Event() agent.Event { return nil }
func (s *failingStream) Err() error         { return s.err }
func (s *failingStream) Close() error       { return nil }

type failingHandle struct{ err error }

func (h *failingHandle) Stream(context.Context, any) agent.EventStream {
	return &failingStream{err: h.err}
}

func TestSessionPromptBackendError(t *testing.T) {
	h := start(t, &failingHandle{err: errors.New("ThrottlingException: Too many requests")})
	sid := h.newSession()

	h.send(`{"jsonrpc":"2.0","id":8,"method":"session/prompt","params":{"sessionId":"` + sid + `","prompt":[{"type":"text","text":"hi"}]}}`)
	resp, notes := h.recvResponse()
	assert.Empty(t, notes)
	assert.Equal(t, float64(codeInternalError), errorCode(t, resp))
	assert.Equal(t, "ThrottlingException: Too many requests", resp["error"].(map[string]any)["data"])
	h.close()
}

// blockingStream waits for its context, like a model that never answers.
type blockingStream struct {
	ctx     context.Context
	started chan struct{}
	err     error
}

func (s *blockingStream) Next() bool {
	if s.err != nil {
		return false
	}
	close(s.started)
	<-s.ctx.Done()
	s.err = s.ctx.Err()
	return false
}
func (s *blockingStream) Event() agent.Event { return nil }
func (s *blockingStream) Err() error         { return s.err }
func (s *blockingStream) Close() error       { return nil }

type blockingHandle struct{ started chan struct{} }

func (h *blockingHandle) Stream(ctx context.Context, _ any) agent.EventStream {
	return &blockingStream{ctx: ctx, started: h.started}
}

func TestSessionCancel(t *testing.T) {
	bh := &blockingHandle{started: make(chan struct{})}
	h := start(t, bh)
	sid := h.newSession()

	h.send(`{"jsonrpc":"2.0","id":9,"method":"session/prompt","params":{"sessionId":"` + sid + `","prompt":[{"type":"text","text":"slow"}]}}`)
	select {
	case <-bh.started:
	case <-time.After(2 * time.Second):
		t.Fatal("prompt did not start")
	}

	h.send(`{"jsonrpc":"2.0","id":10,"method":"session/prompt","params":{"sessionId":"` + sid + `","prompt":[{"type":"text","text":"overlap"}]}}`)
	busy := h.recv()
	assert.Equal(t, 10.0, busy["id"])
	assert.Equal(t, float64(codeInvalidParams), errorCode(t, busy))

	h.send(`{"jsonrpc":"2.0","method":"session/cancel","params":{"sessionId":"` + sid + `"}}`)
	resp := h.recv()
	assert.Equal(t, 9.0, resp["id"])
	assert.Equal(t, map[string]any{"stopReason": "cancelled"}, resp["result"])
	h.close()
}

func TestRunReturnsOnCancelledContext(t *testing.T) {
	inR, inW := io.Pipe()
	t.Cleanup(func() { inW.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, invoke.New(mockAgent(t)), inR, io.Discard, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunContextCancelStopsPrompts(t *testing.T) {
	bh := &blockingHandle{started: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := startContext(t, ctx, bh)
	sid := h.newSession()

	h.send(`{"jsonrpc":"2.0","id":4,"method":"session/prompt","params":{"sessionId":"` + sid + `","prompt":[{"type":"text","text":"slow"}]}}`)
	select {
	case <-bh.started:
	case <-time.After(2 * time.Second):
		t.Fatal("prompt did not start")
	}

	cancel()
	resp := h.recv()
	assert.Equal(t, 4.0, resp["id"])
	assert.Equal(t, map[string]any{"stopReason": "cancelled"}, resp["result"])
	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept reading after cancel")
	}
}

func TestTextBlocks(t *testing.T) {
	got := textBlocks([]contentBlock{
		{Type: "text", Text: "a"},
		{Type: "image"},
		{Type: "text", Text: " "},
		{Type: "text", Text: "b"},
	})
	assert.Equal(t, []any{map[string]any{"text": "a"}, map[string]any{"text": "b"}}, got)
	assert.Empty(t, textBlocks(nil))
}

func TestACPStopReason(t *testing.T) {
	testCases := map[string]string{
		"end_turn":             "end_turn",
		"max_tokens":           "max_tokens",
		"content_filtered":     "refusal",
		"guardrail_intervened": "refusal",
		"tool_use":             "end_turn",
		"":                     "end_turn",
	}
	for in, want := range testCases {
		assert.Equal(t, want, acpStopReason(in), in)
	}
}
