// Package verdict classifies free-text reviewer output as approve or block.
package verdict

import (
	"regexp"
	"strings"
)

type Verdict string

const (
	Approve Verdict = "approve"
	Block   Verdict = "block"
)

// Source tags which rule produced a verdict.
type Source string

const (
	SourceLine             Source = "verdict-line"
	SourceSection          Source = "verdict-section"
	SourceSectionAmbiguous Source = "verdict-section-ambiguous"
	SourceFallback         Source = "fallback"
)

type Result struct {
	Verdict Verdict
	Source  Source
}

var (
	verdictLine = regexp.MustCompile(`(?im)^[ \t]{0,3}(?:[-*][ \t]*)?(?:\*\*)?[ \t]*verdict[ \t]*(?:\*\*)?[ \t]*:[ \t]*(?:\*\*)?[ \t]*(approve|block)\b`)
	heading     = regexp.MustCompile(`^[ \t]{0,3}(#{1,6})[ \t]+(.*)$`)
	verdictHead = regexp.MustCompile(`(?i)^verdict\b`)

	approveSignal = regexp.MustCompile(`(?i)✅|\bapproved?\b|\bready to (?:ship|implement|proceed)\b`)
	blockSignal   = regexp.MustCompile(`(?i)⛔|🔴|\bblock\b|\bdo not (?:ship|proceed)\b|\bcorrections required\b`)
)

// Detect returns the verdict expressed in text. Explicit "Verdict:" lines win,
// the last one first; then a "### Verdict" section is scanned for signal
// tokens; anything unclear is a block.
func Detect(text string) Result {
	if m := verdictLine.FindAllStringSubmatch(text, -1); len(m) > 0 {
		return Result{Verdict: Verdict(strings.ToLower(m[len(m)-1][1])), Source: SourceLine}
	}

	if section, ok := verdictSection(text); ok {
		approve := approveSignal.MatchString(section)
		block := blockSignal.MatchString(section)
		switch {
		case approve && block:
			return Result{Verdict: Block, Source: SourceSectionAmbiguous}
		case approve:
			return Result{Verdict: Approve, Source: SourceSection}
		case block:
			return Result{Verdict: Block, Source: SourceSection}
		}
	}

	return Result{Verdict: Block, Source: SourceFallback}
}

// verdictSection returns the body under the first heading titled "Verdict",
// up to the next heading of the same or higher level.
func verdictSection(text string) (string, bool) {
	lines := strings.Split(text, "\n")
	start, level := -1, 0
	for i, line := range lines {
		m := heading.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		if start < 0 {
			if verdictHead.MatchString(strings.TrimSpace(m[2])) {
				start, level = i+1, len(m[1])
			}
			continue
		}
		if len(m[1]) <= level {
			return strings.Join(lines[start:i], "\n"), true
		}
	}
	if start < 0 {
		return "", false
	}
	return strings.Join(lines[start:], "\n"), true
}
