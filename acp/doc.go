// Package acp serves the agent to code editors over the Agent Client Protocol:
// newline-delimited JSON-RPC 2.0 on stdin and stdout.
//
// Supported methods:
//   - initialize: reports protocol version 1 and text-only prompt capabilities
//   - session/new: returns a fresh session id
//   - session/prompt: runs one invocation and streams its text as
//     session/update notifications with agent_message_chunk updates
//   - session/cancel (notification): cancels the session's running prompt,
//     which then answers with stopReason "cancelled"
//
// Sessions carry no conversation history, so session/load is not offered.
package acp
