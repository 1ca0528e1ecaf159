package llm

import (
	"context"
	"sync"
)

// EventType names a model stream event. The vocabulary is the one used by the
// Bedrock Converse stream; the other providers are translated into it.
type EventType string

const (
	EventMessageStart      EventType = "messageStart"
	EventContentBlockStart EventType = "contentBlockStart"
	EventContentBlockDelta EventType = "contentBlockDelta"
	EventContentBlockStop  EventType = "contentBlockStop"
	EventMessageStop       EventType = "messageStop"
	EventMetadata          EventType = "metadata"
)

type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	TotalTokens  int64 `json:"totalTokens"`
}

// StreamEvent is one normalised event of a model stream.
type StreamEvent struct {
	Type       EventType
	Role       string
	Index      int
	Text       string
	StopReason string
	Usage      *Usage
	LatencyMs  int64
}

// Payload renders the event as {"<type>": {...}}.
func (e StreamEvent) Payload() map[string]any {
	var body map[string]any
	switch e.Type {
	case EventMessageStart:
		body = map[string]any{"role": e.Role}
	case EventContentBlockStart:
		body = map[string]any{"contentBlockIndex": e.Index, "start": map[string]any{}}
	case EventContentBlockDelta:
		body = map[string]any{
			"contentBlockIndex": e.Index,
			"delta":             map[string]any{"text": e.Text},
		}
	case EventContentBlockStop:
		body = map[string]any{"contentBlockIndex": e.Index}
	case EventMessageStop:
		body = map[string]any{"stopReason": e.StopReason}
	case EventMetadata:
		body = map[string]any{}
		if e.Usage != nil {
			body["usage"] = map[string]any{
				"inputTokens":  e.Usage.InputTokens,
				"outputTokens": e.Usage.OutputTokens,
				"totalTokens":  e.Usage.TotalTokens,
			}
		}
		if e.LatencyMs > 0 {
			body["metrics"] = map[string]any{"latencyMs": e.LatencyMs}
		}
	default:
		body = map[string]any{}
	}
	return map[string]any{string(e.Type): body}
}

// Stream is a lazily produced, single-pass sequence of model events.
//
//	for s.Next() {
//		ev := s.Current()
//	}
//	if err := s.Err(); err != nil { ... }
//
// Close releases the underlying connection and is safe to call more than once.
type Stream interface {
	Next() bool
	Current() StreamEvent
	Err() error
	Close() error
}

// source is the pull protocol shared by the provider SDK streams
// (ssestream.Stream in the anthropic and openai SDKs).
type source[T any] interface {
	Next() bool
	Current() T
	Err() error
	Close() error
}

// translatedStream turns provider events into StreamEvents. A provider event
// may expand to zero or more StreamEvents; they are queued and handed out one
// per Next call before the next provider event is pulled.
type translatedStream[T any] struct {
	src       source[T]
	translate func(T) []StreamEvent
	finish    func() []StreamEvent

	pending   []StreamEvent
	cur       StreamEvent
	done      bool
	closed    bool
	err       error
	closeOnce sync.Once
	closeErr  error
}

func newTranslatedStream[T any](src source[T], translate func(T) []StreamEvent, finish func() []StreamEvent) *translatedStream[T] {
	return &translatedStream[T]{src: src, translate: translate, finish: finish}
}

func (s *translatedStream[T]) Next() bool {
	if s.closed {
		return false
	}
	for {
		if len(s.pending) > 0 {
			s.cur = s.pending[0]
			s.pending = s.pending[1:]
			return true
		}
		if s.done {
			return false
		}
		if s.src.Next() {
			s.pending = s.translate(s.src.Current())
			continue
		}
		s.done = true
		s.err = s.src.Err()
		if s.err == nil && s.finish != nil {
			s.pending = s.finish()
		}
		_ = s.release()
	}
}

func (s *translatedStream[T]) Current() StreamEvent { return s.cur }

func (s *translatedStream[T]) Err() error { return s.err }

func (s *translatedStream[T]) Close() error {
	s.closed = true
	s.pending = nil
	return s.release()
}

func (s *translatedStream[T]) release() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.src.Close()
	})
	return s.closeErr
}

// Replay returns a Stream that yields events and then fails with err (if non-nil).
// Backends use it for calls that fail before streaming; tests use it as a fake.
func Replay(events []StreamEvent, err error) Stream {
	return replayWithContext(context.Background(), events, err)
}

func replayWithContext(ctx context.Context, events []StreamEvent, err error) Stream {
	src := &sliceSource{ctx: ctx, events: events, failWith: err}
	return newTranslatedStream[StreamEvent](src, func(e StreamEvent) []StreamEvent {
		return []StreamEvent{e}
	}, nil)
}

type sliceSource struct {
	ctx      context.Context
	events   []StreamEvent
	failWith error
	pos      int
	cur      StreamEvent
	err      error
	closed   bool
}

func (s *sliceSource) Next() bool {
	if s.closed || s.err != nil {
		return false
	}
	if err := s.ctx.Err(); err != nil {
		s.err = err
		return false
	}
	if s.pos >= len(s.events) {
		s.err = s.failWith
		return false
	}
	s.cur = s.events[s.pos]
	s.pos++
	return true
}

func (s *sliceSource) Current() StreamEvent { return s.cur }
func (s *sliceSource) Err() error           { return s.err }

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}
