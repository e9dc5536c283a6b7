package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mpataki/chronicle/internal/models"
	"github.com/mpataki/chronicle/internal/verdict"
)

// historyWindow bounds how much history is replayed into a context file.
const historyWindow = 12

const executionOverride = `## Execution Override (Chronicle)
You are already authorized to run tools now. Do NOT ask for further approval.
Immediately execute at least one concrete repository command before any narrative text.
Then continue implementing all requested changes and provide evidence.`

// DisplayName turns a state key such as "plan-review" into "Plan Review".
func DisplayName(raw string) string {
	words := strings.FieldsFunc(raw, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// FormatElapsed renders durations as "45s" or "3m12s".
func FormatElapsed(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 60000 {
		return fmt.Sprintf("%ds", (ms+500)/1000)
	}
	return fmt.Sprintf("%dm%ds", ms/60000, (ms%60000+500)/1000)
}

// contextBlock renders recent history and the snapshot for the next agent.
func contextBlock(l *models.Ledger) string {
	var b strings.Builder

	if len(l.History) > 0 {
		b.WriteString("## Workflow History\n")
		recent := l.History
		if len(recent) > historyWindow {
			recent = recent[len(recent)-historyWindow:]
		}
		for _, h := range recent {
			fmt.Fprintf(&b, "### State: %s", DisplayName(h.State))
			if h.Agent != "" {
				fmt.Fprintf(&b, " [%s]", DisplayName(h.Agent))
			}
			if h.ElapsedMs > 0 {
				fmt.Fprintf(&b, " (%s)", FormatElapsed(h.Elapsed()))
			}
			b.WriteString("\n")
			fmt.Fprintf(&b, "**Task:** %s\n", verdict.SanitizeHandover(h.TaskGiven))
			fmt.Fprintf(&b, "**Summary:** %s\n\n", verdict.SanitizeHandover(h.Summary))
		}
	}

	snap := l.Snapshot
	writeList(&b, "## Key Findings (carried from previous states)", snap.KeyFindings)
	writeList(&b, "## Modified Files (this workflow)", snap.ModifiedFiles)
	writeList(&b, "## Pending Tasks (handed over from previous states)", snap.PendingTasks)
	if len(snap.Custom) > 0 {
		data, err := json.MarshalIndent(snap.Custom, "", "  ")
		if err == nil {
			b.WriteString("## Additional Context\n```json\n")
			b.Write(data)
			b.WriteString("\n```\n\n")
		}
	}
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(title + "\n")
	for _, it := range items {
		b.WriteString("- " + it + "\n")
	}
	b.WriteString("\n")
}

// renderContext builds the context file handed to the agent for one state.
func renderContext(settings string, l *models.Ledger, state string, sd *models.StateDefinition, task string) string {
	parts := []string{}
	if s := strings.TrimSpace(settings); s != "" {
		parts = append(parts, s)
	}
	parts = append(parts,
		fmt.Sprintf("## Workflow: %s — State: %s", l.WorkflowName, DisplayName(state)),
		"**Role:** "+sd.Description,
		"",
		contextBlock(l),
		"## Your Task",
		task,
		"",
		"## When You Are Done",
		"End your response with a clear summary of:",
		"- What you accomplished",
		"- Key findings or decisions made",
		"- Files created or modified (if any)",
		"- Recommendations or blockers for the next step",
	)
	return strings.Join(parts, "\n")
}
