package agent

import (
	"fmt"
	"strings"
)

// eventType mirrors the `type` discriminant of the agent's newline-
// delimited JSON event stream.
type eventType string

const (
	eventSystem     eventType = "system"
	eventAssistant  eventType = "assistant"
	eventToolResult eventType = "tool_result"
	eventError      eventType = "error"
)

// contentItem is one entry of an assistant message's content list: either
// a text block or a tool_use invocation.
type contentItem struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Name  string `json:"name"`
	Input any    `json:"input"`
}

// rawEvent is the shape of one decoded NDJSON line from the agent's
// stdout. Fields not relevant to a given type are left zero.
type rawEvent struct {
	Type    eventType `json:"type"`
	Message struct {
		StopReason *string       `json:"stop_reason"`
		Content    []contentItem `json:"content"`
	} `json:"message"`
	Error any `json:"error"`
}

// usageLimitSubstrings are the case-insensitive substrings that signal a
// request was suppressed by quota, English and the two localized
// ideographs for "limit"/"restriction".
var usageLimitSubstrings = []string{
	"usage limit",
	"rate limit",
	"api rate limit",
	"api usage limit",
	"限度", // limit
	"制限", // restriction
}

func containsUsageLimitSignal(s string) bool {
	lower := strings.ToLower(s)
	for _, sub := range usageLimitSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// assistantText concatenates the text content items of an assistant event.
func (e rawEvent) assistantText() string {
	var b strings.Builder
	for _, c := range e.Message.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// isTurnEnd reports whether this event signals the end of the agent's turn.
func (e rawEvent) isTurnEnd() bool {
	return e.Type == eventAssistant && e.Message.StopReason != nil
}

// signalsUsageLimit scans this event's error and assistant text content
// for a usage-limit trigger substring. The error field is stringified
// before the check, not just type-asserted, since the agent may report
// it as a JSON object or number rather than a bare string.
func (e rawEvent) signalsUsageLimit() bool {
	if e.Error != nil {
		if containsUsageLimitSignal(fmt.Sprint(e.Error)) {
			return true
		}
	}
	if e.Type == eventAssistant && containsUsageLimitSignal(e.assistantText()) {
		return true
	}
	return false
}
