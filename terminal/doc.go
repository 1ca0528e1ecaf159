// Package terminal implements the line-oriented host used by `agentcore invoke`.
//
// Each input line is one invocation. A line that starts with "{" is decoded as
// a JSON payload; any other line is sent as {"prompt": line}. Every event the
// adapter forwards is written to the output as a single JSON line, so the
// output can be piped into tools such as jq.
//
//	$ echo 'What is 2+2?' | agentcore invoke
//	{"event":{"messageStart":{"role":"assistant"}}}
//	{"event":{"contentBlockDelta":{"contentBlockIndex":0,"delta":{"text":"4"}}}}
//	...
//
// A failed invocation prints "Error: <message>" and the loop moves on to the
// next line. The commands /quit and /exit end the session, as does EOF.
package terminal
