package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mpataki/chronicle/internal/models"
	"github.com/mpataki/chronicle/internal/orchestrator"
)

type View int

const (
	ViewList View = iota
	ViewDetail
	ViewOutput
)

// Source lists sessions, most recently updated first.
type Source interface {
	List() ([]*models.Ledger, error)
}

// KillFunc stops the agent running for a ledger.
type KillFunc func(l *models.Ledger) error

// App browses sessions: a list, a per-session history and the output of a
// single state run.
type App struct {
	source Source
	kill   KillFunc

	view           View
	ledgers        []*models.Ledger
	selectedIdx    int
	selected       *models.Ledger
	selectedRecIdx int
	outputContent  string

	width  int
	height int
	err    error
}

func NewApp(source Source, kill KillFunc) *App {
	return &App{source: source, kill: kill, view: ViewList}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadLedgers, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasActive() bool {
	for _, l := range a.ledgers {
		if l.InFlight || l.Status == models.StatusRunning {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case ledgersLoadedMsg:
		a.ledgers = msg.ledgers
		a.err = msg.err
		if a.selectedIdx >= len(a.ledgers) {
			a.selectedIdx = max(len(a.ledgers)-1, 0)
		}
		// Keep the open session current.
		if a.selected != nil {
			for _, l := range a.ledgers {
				if l.ID == a.selected.ID {
					a.selected = l
				}
			}
		}
		return a, nil

	case tickMsg:
		if a.hasActive() {
			return a, tea.Batch(a.loadLedgers, a.tickCmd())
		}
		return a, a.tickCmd()

	case killedMsg:
		a.err = msg.err
		return a, a.loadLedgers

	case outputRenderedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.outputContent = msg.content
		a.view = ViewOutput
		return a, nil
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewList:
		return a.handleListKey(msg)
	case ViewDetail:
		return a.handleDetailKey(msg)
	case ViewOutput:
		return a.handleOutputKey(msg)
	}
	return a, nil
}

func (a *App) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.ledgers)-1 {
			a.selectedIdx++
		}

	case "enter":
		if a.selectedIdx < len(a.ledgers) {
			a.selected = a.ledgers[a.selectedIdx]
			a.selectedRecIdx = max(len(a.selected.History)-1, 0)
			a.view = ViewDetail
		}

	case "r":
		return a, a.loadLedgers

	case "x":
		if a.selectedIdx < len(a.ledgers) {
			return a, a.killLedger(a.ledgers[a.selectedIdx])
		}
	}

	return a, nil
}

func (a *App) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewList
		a.selected = nil
		a.selectedRecIdx = 0

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedRecIdx > 0 {
			a.selectedRecIdx--
		}

	case "down", "j":
		if a.selected != nil && a.selectedRecIdx < len(a.selected.History)-1 {
			a.selectedRecIdx++
		}

	case "enter", "o":
		if a.selected != nil && a.selectedRecIdx < len(a.selected.History) {
			return a, a.renderOutput(a.selected.History[a.selectedRecIdx])
		}

	case "x":
		if a.selected != nil {
			return a, a.killLedger(a.selected)
		}
	}

	return a, nil
}

func (a *App) handleOutputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewDetail
		a.outputContent = ""

	case "ctrl+c":
		return a, tea.Quit
	}

	return a, nil
}

func (a *App) View() string {
	switch a.view {
	case ViewList:
		return a.viewList()
	case ViewDetail:
		return a.viewDetail()
	case ViewOutput:
		return a.viewOutput()
	}
	return ""
}

func (a *App) viewList() string {
	s := titleStyle.Render("Chronicle") + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	if len(a.ledgers) == 0 {
		s += "No sessions yet. Start one with `chronicle start`.\n"
	} else {
		s += "Sessions\n"
		s += "────────\n"

		for i, l := range a.ledgers {
			line := formatLedgerLine(l, a.lineWidth())
			active := l.InFlight || l.Status == models.StatusRunning

			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if !active && l.Status != models.StatusHumanIntervention {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [x] kill agent  [r] refresh  [q] quit")
	return s
}

func (a *App) viewDetail() string {
	if a.selected == nil {
		return "No session selected"
	}
	l := a.selected

	header := fmt.Sprintf("%s: %s", l.ID, l.WorkflowName)
	s := titleStyle.Render(header) + "  " + formatStatus(l.Status) + "\n\n"
	s += l.InitialTask + "\n\n"

	state := orchestrator.DisplayName(l.CurrentState)
	if l.InFlight {
		state += statusRunning.Render(fmt.Sprintf("  (agent running, pid %d)", l.ActivePID))
	}
	s += labelStyle.Render("State: ") + state + "\n"
	s += labelStyle.Render("Total: ") + dimStyle.Render(fmt.Sprintf("%s · %d tokens",
		orchestrator.FormatElapsed(l.TotalElapsed()), l.TotalTokens)) + "\n\n"

	s += "History\n"
	s += "───────\n"

	if len(l.History) == 0 {
		s += "(no transitions yet)\n"
	} else {
		for i, rec := range l.History {
			line := formatRecordLine(i+1, rec, a.lineWidth())
			if i == a.selectedRecIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	if len(l.Snapshot.PendingTasks) > 0 {
		s += "\nPending\n"
		for _, t := range l.Snapshot.PendingTasks {
			s += "• " + t + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[↑/↓] select  [enter] output  [x] kill agent  [esc] back")
	return s
}

func (a *App) viewOutput() string {
	s := titleStyle.Render("Output") + "\n\n"

	if strings.TrimSpace(a.outputContent) == "" {
		s += "(no output)\n"
	} else {
		s += a.outputContent + "\n"
	}

	s += "\n" + helpStyle.Render("[esc] back  [q] back")
	return s
}

func (a *App) lineWidth() int {
	if a.width <= 2 {
		return defaultWidth
	}
	return a.width - 2
}

// Messages

type ledgersLoadedMsg struct {
	ledgers []*models.Ledger
	err     error
}

type killedMsg struct {
	id  string
	err error
}

type outputRenderedMsg struct {
	content string
	err     error
}

// Commands

func (a *App) loadLedgers() tea.Msg {
	ledgers, err := a.source.List()
	return ledgersLoadedMsg{ledgers: ledgers, err: err}
}

func (a *App) killLedger(l *models.Ledger) tea.Cmd {
	return func() tea.Msg {
		if a.kill == nil {
			return killedMsg{id: l.ID, err: fmt.Errorf("kill is not available")}
		}
		return killedMsg{id: l.ID, err: a.kill(l)}
	}
}

func (a *App) renderOutput(rec models.StateRecord) tea.Cmd {
	width := a.lineWidth()
	return func() tea.Msg {
		header := fmt.Sprintf("## %s\n\n**Task:** %s\n\n**Summary:** %s\n\n---\n\n",
			orchestrator.DisplayName(rec.State), rec.TaskGiven, rec.Summary)
		content, err := RenderMarkdown(header+rec.OutputPreview, width)
		return outputRenderedMsg{content: content, err: err}
	}
}
