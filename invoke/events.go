package invoke

import "github.com/m4xw311/agentcore/agent"

// DeltaText returns the text of a contentBlockDelta event.
func DeltaText(ev agent.Event) (string, bool) {
	block, ok := body(ev, "contentBlockDelta")
	if !ok {
		return "", false
	}
	delta, ok := block["delta"].(map[string]any)
	if !ok {
		return "", false
	}
	text, ok := delta["text"].(string)
	return text, ok
}

// StopReason returns the stop reason carried by a messageStop event.
func StopReason(ev agent.Event) (string, bool) {
	stop, ok := body(ev, "messageStop")
	if !ok {
		return "", false
	}
	reason, ok := stop["stopReason"].(string)
	return reason, ok
}

func body(ev agent.Event, kind string) (map[string]any, bool) {
	inner, ok := ev["event"].(map[string]any)
	if !ok {
		return nil, false
	}
	b, ok := inner[kind].(map[string]any)
	return b, ok
}
