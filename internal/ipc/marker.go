package ipc

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/mpataki/chronicle/internal/models"
)

// QuestionSentinel prefixes a question marker line.
const QuestionSentinel = "__CQ__"

// EncodeQuestion renders q as a single marker line, without a newline.
func EncodeQuestion(q models.AgentQuestion) (string, error) {
	if q.Options == nil {
		q.Options = []string{}
	}
	payload, err := json.Marshal(q)
	if err != nil {
		return "", err
	}
	return QuestionSentinel + ":" + base64.StdEncoding.EncodeToString(payload), nil
}

// ParseQuestionLine decodes a marker line. ok is false for any line that is
// not a well-formed marker.
func ParseQuestionLine(line string) (q models.AgentQuestion, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(line), QuestionSentinel+":")
	if !found {
		return q, false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rest))
	if err != nil {
		return q, false
	}
	if err := json.Unmarshal(raw, &q); err != nil || q.Question == "" {
		return q, false
	}
	return q, true
}
