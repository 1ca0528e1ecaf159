package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/m4xw311/agentcore/errors"
	"github.com/m4xw311/agentcore/llm"
	"github.com/m4xw311/agentcore/session"
)

// Event is one unit of an agent stream. Its shape is owned by the agent;
// consumers should treat it as opaque JSON.
type Event map[string]any

// Has reports whether the event carries key.
func (e Event) Has(key string) bool {
	_, ok := e[key]
	return ok
}

// EventStream is a lazy, single-pass sequence of agent events.
type EventStream interface {
	Next() bool
	Event() Event
	Err() error
	Close() error
}

// PromptTypeError is returned when a prompt is neither a string nor a list of
// text content blocks.
type PromptTypeError struct {
	Value any
}

func (e *PromptTypeError) Error() string {
	return fmt.Sprintf("prompt must be a string or a list of text content blocks, got %T", e.Value)
}

type Agent struct {
	Name         string
	client       llm.StreamingClient
	systemPrompt string
}

type Option func(*Agent)

func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) { a.systemPrompt = prompt }
}

func WithName(name string) Option {
	return func(a *Agent) { a.Name = name }
}

// New builds the agent handle. The returned Agent is immutable and may be
// shared by any number of concurrent Stream calls.
func New(client llm.StreamingClient, opts ...Option) (*Agent, error) {
	if client == nil {
		return nil, errors.New("agent requires an llm client")
	}
	a := &Agent{Name: "agentcore", client: client}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Stream prepares one streaming call for prompt. Nothing is sent to the model
// until the first call to Next.
func (a *Agent) Stream(ctx context.Context, prompt any) EventStream {
	return &stream{ctx: ctx, agent: a, prompt: prompt}
}

func (a *Agent) messages(prompt string) []session.Message {
	var msgs []session.Message
	if a.systemPrompt != "" {
		msgs = append(msgs, session.Message{Role: "system", Content: a.systemPrompt})
	}
	return append(msgs, session.UserMessage(prompt))
}

// resolvePrompt accepts a plain string or a list of {"text": ...} content
// blocks. Anything else is rejected without being converted.
func resolvePrompt(prompt any) (string, error) {
	switch p := prompt.(type) {
	case string:
		return p, nil
	case []any:
		parts := make([]string, 0, len(p))
		for _, item := range p {
			block, ok := item.(map[string]any)
			if !ok {
				return "", &PromptTypeError{Value: prompt}
			}
			text, ok := block["text"].(string)
			if !ok {
				return "", &PromptTypeError{Value: prompt}
			}
			parts = append(parts, text)
		}
		return strings.Join(parts, "\n"), nil
	default:
		return "", &PromptTypeError{Value: prompt}
	}
}
