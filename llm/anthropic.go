package llm

import (
	"context"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/agentcore/errors"
	"github.com/m4xw311/agentcore/session"
)

// AnthropicLLMClient is a client for the Anthropic API.
type AnthropicLLMClient struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicLLMClient creates a new AnthropicLLMClient.
// It requires the ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropicLLMClient(ctx context.Context, modelName string, maxTokens int) (*AnthropicLLMClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable not set")
	}

	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)

	return &AnthropicLLMClient{
		client:    &client,
		model:     modelName,
		maxTokens: int64(maxTokens),
	}, nil
}

// ChatStream streams a message from the Anthropic API.
func (a *AnthropicLLMClient) ChatStream(ctx context.Context, messages []session.Message) Stream {
	anthropicMessages, systemPrompt := convertMessagesToAnthropicMessages(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages:  anthropicMessages,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	tr := &anthropicTranslator{}
	return newTranslatedStream[anthropic.MessageStreamEventUnion](
		a.client.Messages.NewStreaming(ctx, params),
		tr.translate,
		nil,
	)
}

// convertMessagesToAnthropicMessages converts our internal message format to Anthropic's format.
func convertMessagesToAnthropicMessages(messages []session.Message) ([]anthropic.MessageParam, string) {
	rest, systemPrompt := splitSystem(messages)

	var anthropicMessages []anthropic.MessageParam
	for _, msg := range rest {
		switch msg.Role {
		case "assistant":
			anthropicMessages = append(anthropicMessages, anthropic.NewAssistantMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		default:
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}
	return anthropicMessages, systemPrompt
}

// anthropicTranslator carries token counts across the events of one stream:
// input tokens arrive with message_start, output tokens with message_delta.
type anthropicTranslator struct {
	inputTokens  int64
	outputTokens int64
}

func (t *anthropicTranslator) translate(event anthropic.MessageStreamEventUnion) []StreamEvent {
	switch ev := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		t.inputTokens = ev.Message.Usage.InputTokens
		return []StreamEvent{{Type: EventMessageStart, Role: string(ev.Message.Role)}}
	case anthropic.ContentBlockStartEvent:
		return []StreamEvent{{Type: EventContentBlockStart, Index: int(ev.Index)}}
	case anthropic.ContentBlockDeltaEvent:
		d, ok := ev.Delta.AsAny().(anthropic.TextDelta)
		if !ok {
			return nil
		}
		return []StreamEvent{{Type: EventContentBlockDelta, Index: int(ev.Index), Text: d.Text}}
	case anthropic.ContentBlockStopEvent:
		return []StreamEvent{{Type: EventContentBlockStop, Index: int(ev.Index)}}
	case anthropic.MessageDeltaEvent:
		t.outputTokens = ev.Usage.OutputTokens
		if ev.Delta.StopReason == "" {
			return nil
		}
		return []StreamEvent{{Type: EventMessageStop, StopReason: string(ev.Delta.StopReason)}}
	case anthropic.MessageStopEvent:
		return []StreamEvent{{Type: EventMetadata, Usage: &Usage{
			InputTokens:  t.inputTokens,
			OutputTokens: t.outputTokens,
			TotalTokens:  t.inputTokens + t.outputTokens,
		}}}
	default:
		return nil
	}
}
