package verdict

import (
	"regexp"
	"strings"
)

var approvalLoop = regexp.MustCompile(`(?i)proceed with tool execution now|explicit execution approval|cannot provide that truthfully without running commands|please send exactly\s*:?\s*\*\*"?proceed with tool execution now`)

var loopPhrases = []*regexp.Regexp{
	regexp.MustCompile(`(?i)reply exactly:\s*\*\*proceed with tool execution now\.\*\*`),
	regexp.MustCompile(`(?i)please send(?: exactly)?:?\s*\*\*"?proceed with tool execution now\.?"?\*\*`),
	regexp.MustCompile(`(?i)to continue properly,\s*send:?\s*\*\*proceed with tool execution now\.\*\*`),
}

// LoopRemoved replaces approval-loop phrases in handed-over text.
const LoopRemoved = "[removed repetitive approval-loop phrase]"

// IsExecutionApprovalLoop reports whether an agent asked for permission to
// run tools instead of running them.
func IsExecutionApprovalLoop(output string) bool {
	return approvalLoop.MatchString(output)
}

// SanitizeHandover strips approval-loop phrases from text carried into the
// next agent's context so the loop does not propagate.
func SanitizeHandover(text string) string {
	for _, re := range loopPhrases {
		text = re.ReplaceAllString(text, LoopRemoved)
	}
	return strings.TrimSpace(text)
}
