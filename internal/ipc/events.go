package ipc

import (
	"encoding/json"
	"strings"
)

const (
	EventMessageUpdate = "message_update"
	EventMessageEnd    = "message_end"
	EventAgentEnd      = "agent_end"
)

// Event is one progress line emitted by the agent.
type Event struct {
	Type                  string          `json:"type"`
	AssistantMessageEvent *AssistantDelta `json:"assistantMessageEvent,omitempty"`
	Message               *Message        `json:"message,omitempty"`
	Messages              []Message       `json:"messages,omitempty"`
}

type AssistantDelta struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

type Message struct {
	Role  string `json:"role"`
	Usage *Usage `json:"usage,omitempty"`
}

// Usage counts are running totals for the whole agent session.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

func (u *Usage) Total() int {
	return u.Input + u.Output
}

// Tracker folds progress events into the agent's visible output and its
// latest reported token usage. It is not safe for concurrent use.
type Tracker struct {
	text   strings.Builder
	tokens int
}

// Feed consumes one stdout line and returns the most recent non-empty output
// line when the event changed it. Lines that are not JSON are ignored.
func (t *Tracker) Feed(line string) (progress string, changed bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return "", false
	}
	var ev Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return "", false
	}

	switch ev.Type {
	case EventMessageUpdate:
		d := ev.AssistantMessageEvent
		if d == nil || d.Type != "text_delta" {
			return "", false
		}
		t.text.WriteString(d.Delta)
		if last := lastLine(t.text.String()); last != "" {
			return last, true
		}
	case EventMessageEnd:
		if ev.Message != nil && ev.Message.Usage != nil {
			t.tokens = ev.Message.Usage.Total()
		}
	case EventAgentEnd:
		for i := len(ev.Messages) - 1; i >= 0; i-- {
			m := ev.Messages[i]
			if m.Role == "assistant" {
				if m.Usage != nil {
					t.tokens = m.Usage.Total()
				}
				break
			}
		}
	}
	return "", false
}

// Output returns the accumulated assistant text.
func (t *Tracker) Output() string {
	return t.text.String()
}

// Tokens returns the latest usage total reported by the agent.
func (t *Tracker) Tokens() int {
	return t.tokens
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
