// Package session holds the per-invocation conversation state. Nothing here is
// persisted; a Transcript lives exactly as long as one streaming call.
package session

import "strings"

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// UserMessage builds the single user turn an invocation starts from.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// Transcript accumulates the assistant reply while it streams in.
type Transcript struct {
	Messages   []Message
	reply      strings.Builder
	StopReason string
}

// New creates a transcript seeded with the given messages.
func New(messages ...Message) *Transcript {
	return &Transcript{Messages: messages}
}

// AppendDelta adds a streamed text fragment to the assistant reply.
func (t *Transcript) AppendDelta(text string) {
	t.reply.WriteString(text)
}

// Reply returns the assistant message built from all deltas so far.
func (t *Transcript) Reply() Message {
	return Message{Role: "assistant", Content: t.reply.String()}
}

// Finish appends the assistant reply to the message history.
func (t *Transcript) Finish(stopReason string) Message {
	t.StopReason = stopReason
	reply := t.Reply()
	t.Messages = append(t.Messages, reply)
	return reply
}
