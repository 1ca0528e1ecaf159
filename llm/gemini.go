package llm

import (
	"context"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/agentcore/errors"
	"github.com/m4xw311/agentcore/session"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiLLMClient is a client for the Google Gemini API.
type GeminiLLMClient struct {
	client    *genai.Client
	modelName string
	maxTokens int32
}

// NewGeminiLLMClient creates a new GeminiLLMClient.
// It requires the GEMINI_API_KEY environment variable to be set.
func NewGeminiLLMClient(ctx context.Context, modelName string, maxTokens int) (*GeminiLLMClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	return &GeminiLLMClient{
		client:    client,
		modelName: modelName,
		maxTokens: int32(maxTokens),
	}, nil
}

// ChatStream streams a reply from the Gemini API. Each call builds its own
// GenerativeModel.
func (g *GeminiLLMClient) ChatStream(ctx context.Context, messages []session.Message) Stream {
	rest, systemPrompt := splitSystem(messages)
	if len(rest) == 0 {
		return Replay(nil, errors.New("gemini: no messages to send"))
	}

	model := g.client.GenerativeModel(g.modelName)
	if g.maxTokens > 0 {
		model.SetMaxOutputTokens(g.maxTokens)
	}
	if systemPrompt != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	}

	history := convertMessagesToGeminiContent(rest)
	last := history[len(history)-1]
	chat := model.StartChat()
	chat.History = history[:len(history)-1]

	ctx, cancel := context.WithCancel(ctx)
	tr := &geminiTranslator{}
	return newTranslatedStream[*genai.GenerateContentResponse](
		&geminiSource{it: chat.SendMessageStream(ctx, last.Parts...), cancel: cancel},
		tr.translate,
		tr.finish,
	)
}

// Close releases the underlying gRPC connection.
func (g *GeminiLLMClient) Close() error {
	return g.client.Close()
}

// convertMessagesToGeminiContent converts our internal message format to Gemini's.
func convertMessagesToGeminiContent(messages []session.Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}
	return contents
}

// geminiTranslator opens the message on the first response and keeps the last
// usage report, which Gemini repeats on every chunk, for the closing metadata.
type geminiTranslator struct {
	started bool
	stopped bool
	usage   *Usage
}

func (t *geminiTranslator) translate(resp *genai.GenerateContentResponse) []StreamEvent {
	var out []StreamEvent
	if !t.started {
		t.started = true
		out = append(out,
			StreamEvent{Type: EventMessageStart, Role: "assistant"},
			StreamEvent{Type: EventContentBlockStart},
		)
	}
	if u := resp.UsageMetadata; u != nil {
		t.usage = &Usage{
			InputTokens:  int64(u.PromptTokenCount),
			OutputTokens: int64(u.CandidatesTokenCount),
			TotalTokens:  int64(u.TotalTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		return out
	}
	cand := resp.Candidates[0]
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok && text != "" {
				out = append(out, StreamEvent{Type: EventContentBlockDelta, Text: string(text)})
			}
		}
	}
	if cand.FinishReason != genai.FinishReasonUnspecified && !t.stopped {
		t.stopped = true
		out = append(out,
			StreamEvent{Type: EventContentBlockStop},
			StreamEvent{Type: EventMessageStop, StopReason: geminiStopReason(cand.FinishReason)},
		)
	}
	return out
}

func (t *geminiTranslator) finish() []StreamEvent {
	if t.usage == nil {
		return nil
	}
	return []StreamEvent{{Type: EventMetadata, Usage: t.usage}}
}

func geminiStopReason(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonStop:
		return "end_turn"
	case genai.FinishReasonMaxTokens:
		return "max_tokens"
	case genai.FinishReasonSafety, genai.FinishReasonRecitation:
		return "content_filtered"
	default:
		return strings.ToLower(strings.TrimPrefix(reason.String(), "FinishReason"))
	}
}

type geminiSource struct {
	it     *genai.GenerateContentResponseIterator
	cancel context.CancelFunc
	cur    *genai.GenerateContentResponse
	err    error
	done   bool
}

func (s *geminiSource) Next() bool {
	if s.done {
		return false
	}
	resp, err := s.it.Next()
	if err == iterator.Done {
		s.done = true
		return false
	}
	if err != nil {
		s.done = true
		s.err = err
		return false
	}
	s.cur = resp
	return true
}

func (s *geminiSource) Current() *genai.GenerateContentResponse { return s.cur }
func (s *geminiSource) Err() error                              { return s.err }

func (s *geminiSource) Close() error {
	s.cancel()
	return nil
}
