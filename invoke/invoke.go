// Package invoke forwards one request payload to the agent and streams back
// the events that carry an "event" key.
package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/m4xw311/agentcore/agent"
)

// FallbackPrompt is sent to the agent when the payload has no "prompt" key.
const FallbackPrompt = "No prompt found in input, please guide customer to create a json payload with prompt key"

// Payload is the decoded request body. Only "prompt" is read.
type Payload map[string]any

// Handle is the part of the agent the adapter needs.
type Handle interface {
	Stream(ctx context.Context, prompt any) agent.EventStream
}

// PayloadTypeError reports a request body that is not a JSON object.
type PayloadTypeError struct {
	Got string
}

func (e *PayloadTypeError) Error() string {
	return fmt.Sprintf("payload must be a JSON object, got %s", e.Got)
}

// DecodePayload parses a raw request body. Invalid JSON is returned as the
// decoder's error; valid JSON that is not an object is a *PayloadTypeError.
func DecodePayload(data []byte) (Payload, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return AsPayload(v)
}

// AsPayload checks that an already decoded value is a mapping.
func AsPayload(v any) (Payload, error) {
	switch p := v.(type) {
	case map[string]any:
		return Payload(p), nil
	case Payload:
		return p, nil
	default:
		return nil, &PayloadTypeError{Got: jsonKind(v)}
	}
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case float64, json.Number:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Prompt returns the payload's prompt, or FallbackPrompt when the key is
// absent. A present value is returned as-is, whatever its type.
func (p Payload) Prompt() any {
	if prompt, ok := p["prompt"]; ok {
		return prompt
	}
	return FallbackPrompt
}

// Adapter turns request payloads into filtered event streams from one agent.
type Adapter struct {
	agent Handle
}

// New creates an Adapter over the agent handle built at startup.
func New(h Handle) *Adapter {
	return &Adapter{agent: h}
}

// Invoke opens one agent stream for the payload. Each call opens a new stream.
func (a *Adapter) Invoke(ctx context.Context, payload Payload) *Stream {
	return &Stream{src: a.agent.Stream(ctx, payload.Prompt())}
}

// Events is Invoke as a range-over-func sequence. Breaking out of the loop
// closes the underlying stream. A failure is yielded once, as the last pair.
func (a *Adapter) Events(ctx context.Context, payload Payload) iter.Seq2[agent.Event, error] {
	return func(yield func(agent.Event, error) bool) {
		s := a.Invoke(ctx, payload)
		defer s.Close()
		for s.Next() {
			if !yield(s.Event(), nil) {
				return
			}
		}
		if err := s.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// Stream filters an agent stream down to events with an "event" key.
type Stream struct {
	src agent.EventStream
	cur agent.Event
}

// Next advances to the next forwarded event. It returns false once the agent
// stream has ended for any reason.
func (s *Stream) Next() bool {
	for s.src.Next() {
		ev := s.src.Event()
		if ev.Has("event") {
			s.cur = ev
			return true
		}
	}
	s.cur = nil
	return false
}

// Event returns the current event, or nil once Next has returned false.
func (s *Stream) Event() agent.Event { return s.cur }

// Err returns the agent's error unchanged.
func (s *Stream) Err() error { return s.src.Err() }

// Close releases the agent stream.
func (s *Stream) Close() error { return s.src.Close() }
