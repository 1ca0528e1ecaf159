// Package agent provides the agent handle the runtime builds once at startup.
//
// An Agent wraps a single streaming model backend (see package llm). Each call
// to Stream produces an independent, lazily evaluated EventStream; the model
// is not contacted until the first Next.
//
// # Event sequence
//
// For one call the stream yields, in order:
//
//	{"init_event_loop": true}
//	{"start": true}
//	{"event": {"messageStart": {...}}}            // one per model event
//	{"data": "...", "delta": {"text": "..."}}     // after every text delta
//	{"message": {"role": "assistant", "content": [{"text": "..."}]}}
//	{"result": {"stop_reason": "...", "message": {...}, "usage": {...}}}
//
// Model events use the Bedrock Converse vocabulary regardless of provider.
//
// # Errors
//
// A model failure ends the stream; Err returns the provider error unchanged.
// A prompt that is neither a string nor a list of {"text": ...} blocks fails
// with *PromptTypeError before any event is produced.
//
// # Cancellation
//
// Close releases the model stream. Cancelling the context passed to Stream has
// the same effect on the next Next call.
package agent
