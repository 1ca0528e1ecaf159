package llm

import (
	"context"
	"os"

	"github.com/m4xw311/agentcore/errors"
	"github.com/m4xw311/agentcore/session"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAILLMClient is a client for the OpenAI Chat Completion API.
type OpenAILLMClient struct {
	client    *openai.Client
	model     string
	maxTokens int64
}

// NewOpenAILLMClient creates a new OpenAILLMClient. It requires the OPENAI_API_KEY environment variable to be set.
// It also supports OPENAI_BASE_URL for custom API endpoints.
func NewOpenAILLMClient(ctx context.Context, modelName string, maxTokens int) (*OpenAILLMClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}

	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	// The client methods hang off the value, keep a pointer to it.
	c := openai.NewClient(options...)
	return &OpenAILLMClient{client: &c, model: modelName, maxTokens: int64(maxTokens)}, nil
}

// ChatStream streams a chat completion from OpenAI.
func (o *OpenAILLMClient) ChatStream(ctx context.Context, messages []session.Message) Stream {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: convertMessagesToOpenaiContent(messages),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if o.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(o.maxTokens)
	}

	tr := &openaiTranslator{}
	return newTranslatedStream[openai.ChatCompletionChunk](
		o.client.Chat.Completions.NewStreaming(ctx, params),
		tr.translate,
		nil,
	)
}

// convertMessagesToOpenaiContent converts our internal message format to OpenAI's.
func convertMessagesToOpenaiContent(messages []session.Message) []openai.ChatCompletionMessageParamUnion {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			chatMessages = append(chatMessages, openai.SystemMessage(msg.Content))
		case "assistant":
			chatMessages = append(chatMessages, openai.AssistantMessage(msg.Content))
		default:
			chatMessages = append(chatMessages, openai.UserMessage(msg.Content))
		}
	}
	return chatMessages
}

// openaiTranslator synthesises the block structure the chunk stream lacks:
// the first chunk with choices opens the message and its single text block,
// the chunk carrying finish_reason closes both.
type openaiTranslator struct {
	started bool
	stopped bool
}

func (t *openaiTranslator) translate(chunk openai.ChatCompletionChunk) []StreamEvent {
	var out []StreamEvent
	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]
		if !t.started {
			t.started = true
			out = append(out,
				StreamEvent{Type: EventMessageStart, Role: "assistant"},
				StreamEvent{Type: EventContentBlockStart},
			)
		}
		if choice.Delta.Content != "" {
			out = append(out, StreamEvent{Type: EventContentBlockDelta, Text: choice.Delta.Content})
		}
		if choice.FinishReason != "" && !t.stopped {
			t.stopped = true
			out = append(out,
				StreamEvent{Type: EventContentBlockStop},
				StreamEvent{Type: EventMessageStop, StopReason: openaiStopReason(string(choice.FinishReason))},
			)
		}
	}
	if chunk.Usage.TotalTokens > 0 {
		out = append(out, StreamEvent{Type: EventMetadata, Usage: &Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
			TotalTokens:  chunk.Usage.TotalTokens,
		}})
	}
	return out
}

func openaiStopReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "content_filter":
		return "content_filtered"
	default:
		return reason
	}
}
