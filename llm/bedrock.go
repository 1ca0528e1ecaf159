package llm

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/m4xw311/agentcore/errors"
	"github.com/m4xw311/agentcore/session"
)

// converseEventReader is satisfied by *bedrockruntime.ConverseStreamEventStream.
type converseEventReader interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

type converseOpener func(ctx context.Context, input *bedrockruntime.ConverseStreamInput) (converseEventReader, error)

// BedrockLLMClient streams replies from models on AWS Bedrock through the
// Converse stream API.
type BedrockLLMClient struct {
	open      converseOpener
	modelID   string
	region    string
	endpoint  string
	maxTokens int32
}

// NewBedrockLLMClient creates a new BedrockLLMClient.
// It requires AWS credentials to be configured in the environment. An empty
// region falls back to the shared config, AWS_DEFAULT_REGION, AWS_REGION and
// finally us-east-1.
func NewBedrockLLMClient(ctx context.Context, modelID, region string, maxTokens int) (*BedrockLLMClient, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}

	region = resolveRegion(cfg.Region)
	cfg.Region = region

	// Custom endpoint, mostly useful for testing against a local stub.
	endpoint := os.Getenv("BEDROCK_ENDPOINT_URL")

	client := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &BedrockLLMClient{
		open: func(ctx context.Context, input *bedrockruntime.ConverseStreamInput) (converseEventReader, error) {
			out, err := client.ConverseStream(ctx, input)
			if err != nil {
				return nil, err
			}
			return out.GetStream(), nil
		},
		modelID:   modelID,
		region:    region,
		endpoint:  endpoint,
		maxTokens: int32(maxTokens),
	}, nil
}

func resolveRegion(region string) string {
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return region
}

// Region reports the region the client was bound to.
func (b *BedrockLLMClient) Region() string { return b.region }

// ChatStream opens a Converse stream for the conversation.
func (b *BedrockLLMClient) ChatStream(ctx context.Context, messages []session.Message) Stream {
	input := b.converseInput(messages)
	reader, err := b.open(ctx, input)
	if err != nil {
		return Replay(nil, err)
	}
	return newTranslatedStream[types.ConverseStreamOutput](
		&converseSource{ctx: ctx, reader: reader},
		translateConverseEvent,
		nil,
	)
}

func (b *BedrockLLMClient) converseInput(messages []session.Message) *bedrockruntime.ConverseStreamInput {
	msgs, system := convertMessagesToConverse(messages)
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(b.modelID),
		Messages: msgs,
	}
	if b.maxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(b.maxTokens)}
	}
	if len(system) > 0 {
		input.System = system
	}
	return input
}

// convertMessagesToConverse converts our internal message format to the Converse format.
func convertMessagesToConverse(messages []session.Message) ([]types.Message, []types.SystemContentBlock) {
	rest, systemPrompt := splitSystem(messages)

	var msgs []types.Message
	for _, msg := range rest {
		role := types.ConversationRoleUser
		if msg.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		msgs = append(msgs, types.Message{
			Role: role,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: msg.Content},
			},
		})
	}

	var system []types.SystemContentBlock
	if systemPrompt != "" {
		system = append(system, &types.SystemContentBlockMemberText{Value: systemPrompt})
	}
	return msgs, system
}

// translateConverseEvent maps one Converse stream event to a StreamEvent.
// Non-text deltas (tool use, reasoning) are skipped.
func translateConverseEvent(ev types.ConverseStreamOutput) []StreamEvent {
	switch v := ev.(type) {
	case *types.ConverseStreamOutputMemberMessageStart:
		return []StreamEvent{{Type: EventMessageStart, Role: string(v.Value.Role)}}
	case *types.ConverseStreamOutputMemberContentBlockStart:
		return []StreamEvent{{Type: EventContentBlockStart, Index: int(aws.ToInt32(v.Value.ContentBlockIndex))}}
	case *types.ConverseStreamOutputMemberContentBlockDelta:
		d, ok := v.Value.Delta.(*types.ContentBlockDeltaMemberText)
		if !ok {
			return nil
		}
		return []StreamEvent{{
			Type:  EventContentBlockDelta,
			Index: int(aws.ToInt32(v.Value.ContentBlockIndex)),
			Text:  d.Value,
		}}
	case *types.ConverseStreamOutputMemberContentBlockStop:
		return []StreamEvent{{Type: EventContentBlockStop, Index: int(aws.ToInt32(v.Value.ContentBlockIndex))}}
	case *types.ConverseStreamOutputMemberMessageStop:
		return []StreamEvent{{Type: EventMessageStop, StopReason: string(v.Value.StopReason)}}
	case *types.ConverseStreamOutputMemberMetadata:
		e := StreamEvent{Type: EventMetadata}
		if u := v.Value.Usage; u != nil {
			e.Usage = &Usage{
				InputTokens:  int64(aws.ToInt32(u.InputTokens)),
				OutputTokens: int64(aws.ToInt32(u.OutputTokens)),
				TotalTokens:  int64(aws.ToInt32(u.TotalTokens)),
			}
		}
		if m := v.Value.Metrics; m != nil {
			e.LatencyMs = aws.ToInt64(m.LatencyMs)
		}
		return []StreamEvent{e}
	default:
		return nil
	}
}

// converseSource adapts the channel-based Converse event stream to the pull
// protocol.
type converseSource struct {
	ctx    context.Context
	reader converseEventReader
	cur    types.ConverseStreamOutput
	err    error
}

func (s *converseSource) Next() bool {
	if s.err != nil {
		return false
	}
	select {
	case <-s.ctx.Done():
		s.err = s.ctx.Err()
		return false
	case ev, ok := <-s.reader.Events():
		if !ok {
			s.err = s.reader.Err()
			return false
		}
		s.cur = ev
		return true
	}
}

func (s *converseSource) Current() types.ConverseStreamOutput { return s.cur }
func (s *converseSource) Err() error                          { return s.err }
func (s *converseSource) Close() error                        { return s.reader.Close() }
