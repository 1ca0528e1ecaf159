package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/m4xw311/agentcore/errors"
	"github.com/m4xw311/agentcore/invoke"
)

const (
	ProtocolVersion = 1

	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603

	maxMessageBytes = 10 << 20
)

// Invoker opens one filtered event stream per payload.
type Invoker interface {
	Invoke(ctx context.Context, payload invoke.Payload) *invoke.Stream
}

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonrpcError `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type acpServer struct {
	invoker Invoker
	logger  *slog.Logger

	out       io.Writer
	writeLock sync.Mutex

	sessionsLock sync.Mutex
	// sessions maps a session id to the cancel func of its running prompt,
	// or nil when the session is idle.
	sessions map[string]context.CancelFunc
	prompts  sync.WaitGroup
}

// Run serves the Agent Client Protocol over newline-delimited JSON-RPC until
// in reaches EOF or ctx ends. Prompts run concurrently with the read loop so
// that session/cancel can interrupt them. Only JSON-RPC messages are written
// to out. Run waits for in-flight prompts before returning.
func Run(ctx context.Context, inv Invoker, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	s := &acpServer{
		invoker:  inv,
		logger:   logger,
		out:      out,
		sessions: make(map[string]context.CancelFunc),
	}
	defer s.prompts.Wait()

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	lines, readErr := readMessages(readCtx, in)
	for {
		var (
			line []byte
			ok   bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok = <-lines:
		}
		if !ok {
			if err := <-readErr; err != nil {
				return errors.Wrapf(err, "acp read error")
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var req jsonrpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Debug("acp parse error", "error", err)
			_ = s.writeResponseError(nil, codeParseError, "Parse error", nil)
			continue
		}
		s.logger.Debug("acp request", "method", req.Method, "id", req.ID)
		s.dispatch(ctx, &req)
	}
}

// readMessages scans non-empty lines from in on its own goroutine. readErr
// receives the scanner's error before lines is closed at EOF.
func readMessages(ctx context.Context, in io.Reader) (<-chan []byte, <-chan error) {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxMessageBytes)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- bytes.Clone(line):
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
		close(lines)
	}()
	return lines, readErr
}

func (s *acpServer) dispatch(ctx context.Context, req *jsonrpcRequest) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "session/new":
		s.handleSessionNew(req)
	case "session/prompt":
		s.handleSessionPrompt(ctx, req)
	case "session/cancel":
		s.handleSessionCancel(req)
	default:
		// Unknown notifications are ignored.
		if req.ID != nil {
			_ = s.writeResponseError(req.ID, codeMethodNotFound, "Method not found", req.Method)
		}
	}
}

func (s *acpServer) writeFramedJSON(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}
	data = append(data, '\n')

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	_, err = s.out.Write(data)
	return err
}

func (s *acpServer) writeResponseOK(id any, result any) error {
	return s.writeFramedJSON(jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *acpServer) writeResponseError(id any, code int, msg string, data any) error {
	return s.writeFramedJSON(jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: msg, Data: data},
	})
}

func (s *acpServer) writeNotification(method string, params any) error {
	return s.writeFramedJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

func (s *acpServer) handleInitialize(req *jsonrpcRequest) {
	_ = s.writeResponseOK(req.ID, map[string]any{
		"protocolVersion": ProtocolVersion,
		"agentCapabilities": map[string]any{
			"loadSession": false,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           false,
			},
		},
		"authMethods": []any{},
	})
}

// handleSessionNew hands out an id. Sessions keep no history; every prompt is
// an independent invocation.
func (s *acpServer) handleSessionNew(req *jsonrpcRequest) {
	sid := "sess_" + uuid.NewString()
	s.sessionsLock.Lock()
	s.sessions[sid] = nil
	s.sessionsLock.Unlock()

	s.logger.Info("acp session created", "session_id", sid)
	_ = s.writeResponseOK(req.ID, map[string]any{"sessionId": sid})
}

func (s *acpServer) handleSessionCancel(req *jsonrpcRequest) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return
	}
	s.sessionsLock.Lock()
	cancel := s.sessions[p.SessionID]
	s.sessionsLock.Unlock()
	if cancel != nil {
		s.logger.Info("acp prompt cancelled", "session_id", p.SessionID)
		cancel()
	}
}

func (s *acpServer) handleSessionPrompt(ctx context.Context, req *jsonrpcRequest) {
	var p struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	blocks := textBlocks(p.Prompt)
	if len(blocks) == 0 {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", "prompt has no text content")
		return
	}

	s.sessionsLock.Lock()
	running, ok := s.sessions[p.SessionID]
	if !ok || running != nil {
		s.sessionsLock.Unlock()
		msg := "unknown sessionId"
		if ok {
			msg = "a prompt is already running for this session"
		}
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", msg)
		return
	}
	promptCtx, cancel := context.WithCancel(ctx)
	s.sessions[p.SessionID] = cancel
	s.sessionsLock.Unlock()

	s.prompts.Add(1)
	go func() {
		defer s.prompts.Done()
		result, rpcErr := s.runPrompt(promptCtx, p.SessionID, blocks)
		cancel()
		// The session is idle again before the client sees the response.
		s.sessionsLock.Lock()
		s.sessions[p.SessionID] = nil
		s.sessionsLock.Unlock()

		if rpcErr != nil {
			_ = s.writeFramedJSON(jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
			return
		}
		_ = s.writeResponseOK(req.ID, result)
	}()
}

// runPrompt streams one invocation as agent_message_chunk updates and returns
// the prompt response.
func (s *acpServer) runPrompt(ctx context.Context, sid string, blocks []any) (map[string]any, *jsonrpcError) {
	stream := s.invoker.Invoke(ctx, invoke.Payload{"prompt": blocks})
	defer stream.Close()

	stopReason := "end_turn"
	for stream.Next() {
		ev := stream.Event()
		if text, ok := invoke.DeltaText(ev); ok && text != "" {
			if err := s.sendAgentMessageChunk(sid, text); err != nil {
				s.logger.Warn("acp write failed", "session_id", sid, "error", err)
				return nil, &jsonrpcError{Code: codeInternalError, Message: "Internal error", Data: err.Error()}
			}
		}
		if reason, ok := invoke.StopReason(ev); ok {
			stopReason = acpStopReason(reason)
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return map[string]any{"stopReason": "cancelled"}, nil
		}
		s.logger.Error("acp prompt failed", "session_id", sid, "error", err)
		return nil, &jsonrpcError{Code: codeInternalError, Message: "Internal error", Data: err.Error()}
	}
	return map[string]any{"stopReason": stopReason}, nil
}

func (s *acpServer) sendAgentMessageChunk(sessionID, text string) error {
	return s.writeNotification("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "agent_message_chunk",
			"content": map[string]any{
				"type": "text",
				"text": text,
			},
		},
	})
}

// textBlocks keeps the non-empty text blocks in the content-block shape the
// agent accepts as a prompt.
func textBlocks(blocks []contentBlock) []any {
	var out []any
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			out = append(out, map[string]any{"text": b.Text})
		}
	}
	return out
}

func acpStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "max_tokens"
	case "content_filtered", "guardrail_intervened":
		return "refusal"
	default:
		return "end_turn"
	}
}
