package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/muesli/reflow/truncate"

	"github.com/mpataki/chronicle/internal/models"
	"github.com/mpataki/chronicle/internal/orchestrator"
)

const defaultWidth = 100

// RenderStatus renders a session for `chronicle status`.
func RenderStatus(st orchestrator.StatusReport, width int) string {
	if width <= 0 {
		width = defaultWidth
	}
	l := st.Ledger
	var b strings.Builder

	header := fmt.Sprintf("Chronicle · %s  [%s]", l.WorkflowName, l.ID)
	b.WriteString(titleStyle.Render(header) + "  " + formatStatus(l.Status) + "\n\n")
	b.WriteString(truncate.StringWithTail(l.InitialTask, uint(width), "...") + "\n\n")

	state := orchestrator.DisplayName(l.CurrentState)
	if st.Running || l.InFlight {
		state += statusRunning.Render("  (agent running)")
	}
	b.WriteString(labelStyle.Render("State: ") + state + "\n")
	if l.CurrentStateTask != "" {
		b.WriteString(labelStyle.Render("Task:  ") + truncate.StringWithTail(l.CurrentStateTask, uint(width-7), "...") + "\n")
	}
	if len(st.Next) > 0 {
		b.WriteString(labelStyle.Render("Next:  ") + strings.Join(st.Next, ", ") + "\n")
	}
	b.WriteString(labelStyle.Render("Total: ") + dimStyle.Render(fmt.Sprintf("%d runs · %s · %d tokens",
		len(l.History), orchestrator.FormatElapsed(l.TotalElapsed()), l.TotalTokens)) + "\n\n")

	b.WriteString("History\n")
	b.WriteString("───────\n")
	if len(l.History) == 0 {
		b.WriteString("(no transitions yet)\n")
	}
	for i, rec := range l.History {
		b.WriteString(formatRecordLine(i+1, rec, width) + "\n")
	}

	writeSection(&b, "Key Findings", l.Snapshot.KeyFindings, width)
	writeSection(&b, "Modified Files", l.Snapshot.ModifiedFiles, width)
	writeSection(&b, "Pending Tasks", l.Snapshot.PendingTasks, width)
	return b.String()
}

// RenderList renders ledgers one per line, most recent first.
func RenderList(ledgers []*models.Ledger, width int) string {
	if len(ledgers) == 0 {
		return "No sessions yet. Start one with `chronicle start`.\n"
	}
	if width <= 0 {
		width = defaultWidth
	}
	var b strings.Builder
	for _, l := range ledgers {
		b.WriteString(formatLedgerLine(l, width) + "\n")
	}
	return b.String()
}

// RenderResult renders a transition result with its output as markdown.
func RenderResult(r *orchestrator.Result, width int) string {
	var b strings.Builder
	style := statusDone
	switch r.Outcome {
	case orchestrator.OutcomeDone:
	case orchestrator.OutcomeTimedOut, orchestrator.OutcomeDeferred, orchestrator.OutcomeCancelled:
		style = statusPaused
	default:
		style = statusFailed
	}
	b.WriteString(style.Render(r.Message) + "\n")
	if out := strings.TrimSpace(r.Output); out != "" {
		rendered, err := RenderMarkdown(out, width)
		if err != nil {
			rendered = out + "\n"
		}
		b.WriteString("\n" + rendered)
	}
	if len(r.NextSteps) > 0 {
		steps := make([]string, len(r.NextSteps))
		for i, s := range r.NextSteps {
			steps[i] = string(s)
		}
		b.WriteString("\n" + helpStyle.Render("Next steps: "+strings.Join(steps, " / ")) + "\n")
	}
	return b.String()
}

// RenderMarkdown renders agent output for the terminal. Styling is picked
// automatically, so output to a pipe stays plain.
func RenderMarkdown(md string, width int) (string, error) {
	if width <= 0 {
		width = defaultWidth
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create markdown renderer: %w", err)
	}
	return r.Render(md)
}

func writeSection(b *strings.Builder, title string, items []string, width int) {
	if len(items) == 0 {
		return
	}
	b.WriteString("\n" + title + "\n")
	b.WriteString(strings.Repeat("─", len([]rune(title))) + "\n")
	for _, it := range items {
		b.WriteString("• " + truncate.StringWithTail(it, uint(width-2), "...") + "\n")
	}
}

func formatLedgerLine(l *models.Ledger, width int) string {
	line := fmt.Sprintf("%-8s %-16s %s  %-16s %-4s ",
		l.ID, l.WorkflowName, formatStatus(l.Status), l.CurrentState, formatAge(l.LastUpdated))
	return truncate.StringWithTail(line+l.InitialTask, uint(width), "...")
}

func formatRecordLine(n int, rec models.StateRecord, width int) string {
	mark := statusDone.Render("✓")
	exit := dimStyle.Render("exit:0")
	if !rec.Succeeded() {
		mark = statusFailed.Render("✗")
		exit = statusFailed.Render(fmt.Sprintf("exit:%d", rec.ExitCode))
	}
	line := fmt.Sprintf("%d. %-18s %s  %s  %6s  %d tok", n,
		orchestrator.DisplayName(rec.State), mark, exit, formatDuration(rec.Elapsed()), rec.TokensUsed)
	if rec.Agent != "" {
		line += "  " + dimStyle.Render("["+rec.Agent+"]")
	}
	return truncate.StringWithTail(line, uint(width), "...")
}

func formatStatus(status models.Status) string {
	switch status {
	case models.StatusRunning:
		return statusRunning.Render("● running")
	case models.StatusDone:
		return statusDone.Render("✓ done")
	case models.StatusPaused:
		return statusPaused.Render("‖ paused")
	case models.StatusHumanIntervention:
		return statusFailed.Render("⚠ needs human")
	default:
		return string(status)
	}
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
