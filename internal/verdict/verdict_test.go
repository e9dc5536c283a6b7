package verdict

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		verdict Verdict
		source  Source
	}{
		{"plain line", "Looks fine.\nVerdict: APPROVE\n", Approve, SourceLine},
		{"last line wins", "...\nVerdict: BLOCK\n...\nVerdict: APPROVE\n", Approve, SourceLine},
		{"self correction to block", "Verdict: approve\nactually no\nVerdict: block", Block, SourceLine},
		{"bold bullet", "- **Verdict:** BLOCK, missing tests", Block, SourceLine},
		{"bold label", "**Verdict**: approve", Approve, SourceLine},
		{"quoted is not a verdict line", "> Verdict: APPROVE", Block, SourceFallback},
		{"no keyword", "no verdict keyword anywhere", Block, SourceFallback},
		{"empty", "", Block, SourceFallback},
		{"section approve", "## Review\nok\n### Verdict\n✅ Ready to ship\n", Approve, SourceSection},
		{"section block", "### Verdict\nCorrections required before merge.", Block, SourceSection},
		{"section ambiguous", "### Verdict\nApproved, but do not ship until the race is fixed.", Block, SourceSectionAmbiguous},
		{"section neither", "### Verdict\nSee comments above.", Block, SourceFallback},
		{
			"section bounded by sibling heading",
			"### Verdict\nready to proceed\n### Risks\nthis could block the release\n",
			Approve, SourceSection,
		},
		{
			"deeper heading stays inside section",
			"### Verdict\n#### Notes\n🔴 do not proceed\n",
			Block, SourceSection,
		},
		{
			"higher heading ends section",
			"### Verdict\napproved\n## Appendix\nblock quotes are nice\n",
			Approve, SourceSection,
		},
		{"line beats section", "### Verdict\n✅\nVerdict: BLOCK", Block, SourceLine},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Detect(tt.text)
			require.Equal(t, tt.verdict, got.Verdict)
			require.Equal(t, tt.source, got.Source)
		})
	}
}

func TestDetect_NeverApprovesWithoutSignal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.StringMatching(`[a-z \n.,]{0,200}`).Draw(t, "text")
		if got := Detect(text); got.Verdict != Block {
			t.Fatalf("Detect(%q) = %v, want block", text, got)
		}
	})
}

func TestDetect_LastVerdictLineWins(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		verdicts := rapid.SliceOfN(rapid.SampledFrom([]Verdict{Approve, Block}), 1, 6).Draw(t, "verdicts")
		var b strings.Builder
		for _, v := range verdicts {
			b.WriteString("some reasoning\nVerdict: " + strings.ToUpper(string(v)) + "\n")
		}
		got := Detect(b.String())
		if got.Verdict != verdicts[len(verdicts)-1] {
			t.Fatalf("got %s, want %s", got.Verdict, verdicts[len(verdicts)-1])
		}
	})
}

func TestIsExecutionApprovalLoop(t *testing.T) {
	require.True(t, IsExecutionApprovalLoop(`Please send exactly: **"Proceed with tool execution now"**`))
	require.True(t, IsExecutionApprovalLoop("I need explicit execution approval first."))
	require.True(t, IsExecutionApprovalLoop("I cannot provide that truthfully without running commands."))
	require.False(t, IsExecutionApprovalLoop("Ran go test ./... and all tests pass."))
}

func TestSanitizeHandover(t *testing.T) {
	got := SanitizeHandover(`Plan done. Please send exactly: **"Proceed with tool execution now."** Or reply exactly: **Proceed with tool execution now.**`)
	require.NotContains(t, strings.ToLower(got), "proceed with tool execution now")
	require.Equal(t, 2, strings.Count(got, LoopRemoved))
	require.Equal(t, "nothing to see", SanitizeHandover("  nothing to see\n"))
}
