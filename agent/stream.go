package agent

import (
	"context"

	"github.com/m4xw311/agentcore/llm"
	"github.com/m4xw311/agentcore/session"
)

type phase int

const (
	phaseIdle phase = iota
	phaseStreaming
	phaseDone
)

type stream struct {
	ctx    context.Context
	agent  *Agent
	prompt any

	phase      phase
	model      llm.Stream
	transcript *session.Transcript
	stopReason string
	usage      *llm.Usage

	pending []Event
	cur     Event
	err     error
	closed  bool
}

func (s *stream) Next() bool {
	if s.closed {
		return false
	}
	for {
		if len(s.pending) > 0 {
			s.cur = s.pending[0]
			s.pending = s.pending[1:]
			return true
		}
		switch s.phase {
		case phaseIdle:
			if !s.open() {
				return false
			}
		case phaseStreaming:
			if s.model.Next() {
				s.pending = s.translate(s.model.Current())
				continue
			}
			s.phase = phaseDone
			_ = s.model.Close()
			if err := s.model.Err(); err != nil {
				s.err = err
				return false
			}
			s.pending = s.complete()
		default:
			return false
		}
	}
}

func (s *stream) open() bool {
	text, err := resolvePrompt(s.prompt)
	if err != nil {
		s.phase = phaseDone
		s.err = err
		return false
	}
	msgs := s.agent.messages(text)
	s.transcript = session.New(msgs...)
	s.model = s.agent.client.ChatStream(s.ctx, msgs)
	s.phase = phaseStreaming
	s.pending = []Event{
		{"init_event_loop": true},
		{"start": true},
	}
	return true
}

// translate wraps a model event and, for text, adds the delta event that
// callback-style consumers read.
func (s *stream) translate(ev llm.StreamEvent) []Event {
	out := []Event{{"event": ev.Payload()}}
	switch ev.Type {
	case llm.EventContentBlockDelta:
		s.transcript.AppendDelta(ev.Text)
		out = append(out, Event{"data": ev.Text, "delta": map[string]any{"text": ev.Text}})
	case llm.EventMessageStop:
		s.stopReason = ev.StopReason
	case llm.EventMetadata:
		s.usage = ev.Usage
	}
	return out
}

func (s *stream) complete() []Event {
	reply := s.transcript.Finish(s.stopReason)
	message := map[string]any{
		"role":    reply.Role,
		"content": []any{map[string]any{"text": reply.Content}},
	}
	result := map[string]any{
		"stop_reason": s.stopReason,
		"message":     message,
	}
	if s.usage != nil {
		result["usage"] = map[string]any{
			"inputTokens":  s.usage.InputTokens,
			"outputTokens": s.usage.OutputTokens,
			"totalTokens":  s.usage.TotalTokens,
		}
	}
	return []Event{
		{"message": message},
		{"result": result},
	}
}

func (s *stream) Event() Event { return s.cur }

func (s *stream) Err() error { return s.err }

func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.pending = nil
	if s.model != nil {
		return s.model.Close()
	}
	return nil
}
