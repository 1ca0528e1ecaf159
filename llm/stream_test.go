package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/m4xw311/agentcore/config"
	"github.com/m4xw311/agentcore/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, s Stream) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	for s.Next() {
		out = append(out, s.Current())
	}
	return out
}

func TestStreamEventPayload(t *testing.T) {
	testCases := []struct {
		name  string
		event StreamEvent
		want  map[string]any
	}{
		{
			"MessageStart",
			StreamEvent{Type: EventMessageStart, Role: "assistant"},
			map[string]any{"messageStart": map[string]any{"role": "assistant"}},
		},
		{
			"Delta",
			StreamEvent{Type: EventContentBlockDelta, Index: 1, Text: "hi"},
			map[string]any{"contentBlockDelta": map[string]any{
				"contentBlockIndex": 1,
				"delta":             map[string]any{"text": "hi"},
			}},
		},
		{
			"MessageStop",
			StreamEvent{Type: EventMessageStop, StopReason: "end_turn"},
			map[string]any{"messageStop": map[string]any{"stopReason": "end_turn"}},
		},
		{
			"MetadataWithUsage",
			StreamEvent{Type: EventMetadata, Usage: &Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}, LatencyMs: 9},
			map[string]any{"metadata": map[string]any{
				"usage":   map[string]any{"inputTokens": int64(1), "outputTokens": int64(2), "totalTokens": int64(3)},
				"metrics": map[string]any{"latencyMs": int64(9)},
			}},
		},
		{
			"EmptyMetadata",
			StreamEvent{Type: EventMetadata},
			map[string]any{"metadata": map[string]any{}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.event.Payload())
		})
	}
}

func TestTranslatedStreamExpandsAndFinishes(t *testing.T) {
	src := &sliceSource{ctx: context.Background(), events: []StreamEvent{
		{Type: EventContentBlockDelta, Text: "a"},
		{Type: EventContentBlockDelta, Text: "b"},
	}}
	s := newTranslatedStream[StreamEvent](src,
		func(e StreamEvent) []StreamEvent {
			return []StreamEvent{e, {Type: EventContentBlockDelta, Text: strings.ToUpper(e.Text)}}
		},
		func() []StreamEvent {
			return []StreamEvent{{Type: EventMessageStop, StopReason: "end_turn"}}
		},
	)

	out := drain(t, s)
	require.NoError(t, s.Err())
	require.Len(t, out, 5)
	assert.Equal(t, []string{"a", "A", "b", "B"}, []string{out[0].Text, out[1].Text, out[2].Text, out[3].Text})
	assert.Equal(t, "end_turn", out[4].StopReason)
	assert.True(t, src.closed)
}

func TestTranslatedStreamSkipsFinishOnError(t *testing.T) {
	boom := errors.New("boom")
	finished := false
	s := newTranslatedStream[StreamEvent](&sliceSource{ctx: context.Background(), failWith: boom},
		func(e StreamEvent) []StreamEvent { return []StreamEvent{e} },
		func() []StreamEvent { finished = true; return nil },
	)
	assert.Empty(t, drain(t, s))
	assert.Same(t, boom, s.Err())
	assert.False(t, finished)
}

func TestReplayHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := replayWithContext(ctx, []StreamEvent{{Type: EventMessageStart}, {Type: EventMessageStop}}, nil)
	require.True(t, s.Next())
	cancel()
	assert.False(t, s.Next())
	assert.ErrorIs(t, s.Err(), context.Canceled)
}

func TestMockLLMClient(t *testing.T) {
	client := &MockLLMClient{}
	s := client.ChatStream(context.Background(), []session.Message{
		{Role: "system", Content: "ignored"},
		session.UserMessage("2+2?"),
	})

	out := drain(t, s)
	require.NoError(t, s.Err())
	require.NotEmpty(t, out)
	assert.Equal(t, EventMessageStart, out[0].Type)
	assert.Equal(t, EventMetadata, out[len(out)-1].Type)

	var text strings.Builder
	for _, ev := range out {
		if ev.Type == EventContentBlockDelta {
			text.WriteString(ev.Text)
		}
	}
	assert.Equal(t, "I am a mock LLM. You said: '2+2?'.", text.String())
}

func TestNewClientSelectsMock(t *testing.T) {
	cfg := config.Default()
	cfg.LLMClient = "mock"
	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &MockLLMClient{}, client)

	cfg.LLMClient = "nope"
	_, err = NewClient(context.Background(), cfg)
	assert.Error(t, err)
}

func TestProvidersRequireAPIKeys(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")

	_, err := NewAnthropicLLMClient(context.Background(), "claude", 10)
	assert.Error(t, err)
	_, err = NewOpenAILLMClient(context.Background(), "gpt-4o", 10)
	assert.Error(t, err)
	_, err = NewGeminiLLMClient(context.Background(), "gemini-1.5-pro", 10)
	assert.Error(t, err)
}
