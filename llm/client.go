package llm

import (
	"context"
	"strings"

	"github.com/m4xw311/agentcore/config"
	"github.com/m4xw311/agentcore/errors"
	"github.com/m4xw311/agentcore/session"
)

// StreamingClient is the interface for streaming replies from a Large Language Model.
//
// ChatStream never blocks on the network for longer than it takes to open the
// call. Failures to open the call, and every later failure, are reported by
// the returned Stream's Err method exactly as the provider SDK returned them.
type StreamingClient interface {
	ChatStream(ctx context.Context, messages []session.Message) Stream
}

// NewClient builds the backend selected by cfg.LLMClient.
func NewClient(ctx context.Context, cfg *config.Config) (StreamingClient, error) {
	switch cfg.LLMClient {
	case "bedrock":
		return NewBedrockLLMClient(ctx, cfg.ModelID, cfg.Region, cfg.MaxTokens)
	case "anthropic":
		return NewAnthropicLLMClient(ctx, cfg.ModelID, cfg.MaxTokens)
	case "openai":
		return NewOpenAILLMClient(ctx, cfg.ModelID, cfg.MaxTokens)
	case "gemini":
		return NewGeminiLLMClient(ctx, cfg.ModelID, cfg.MaxTokens)
	case "mock", "":
		return &MockLLMClient{}, nil
	default:
		return nil, errors.New("unknown llm %q", cfg.LLMClient)
	}
}

// MockLLMClient echoes the last user message back as a well-formed stream.
type MockLLMClient struct{}

func (m *MockLLMClient) ChatStream(ctx context.Context, messages []session.Message) Stream {
	var last string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = messages[i].Content
			break
		}
	}
	reply := "I am a mock LLM. You said: '" + last + "'."
	events := []StreamEvent{
		{Type: EventMessageStart, Role: "assistant"},
		{Type: EventContentBlockStart},
	}
	words := strings.SplitAfter(reply, " ")
	for _, w := range words {
		events = append(events, StreamEvent{Type: EventContentBlockDelta, Text: w})
	}
	events = append(events,
		StreamEvent{Type: EventContentBlockStop},
		StreamEvent{Type: EventMessageStop, StopReason: "end_turn"},
		StreamEvent{Type: EventMetadata, Usage: &Usage{
			InputTokens:  int64(len(strings.Fields(last))),
			OutputTokens: int64(len(words)),
			TotalTokens:  int64(len(strings.Fields(last)) + len(words)),
		}},
	)
	return replayWithContext(ctx, events, nil)
}

// splitSystem separates system messages from the conversation. The last system
// message wins.
func splitSystem(messages []session.Message) ([]session.Message, string) {
	var system string
	var rest []session.Message
	for _, msg := range messages {
		if msg.Role == "system" {
			system = msg.Content
			continue
		}
		rest = append(rest, msg)
	}
	return rest, system
}
