package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mpataki/chronicle/internal/models"
	"github.com/mpataki/chronicle/internal/orchestrator"
)

// DeclinedAnswer is sent to an agent when the operator dismisses its
// question, so the agent does not wait out the full answer timeout.
const DeclinedAnswer = "The user declined to answer. Proceed with your best judgment."

const otherOption = "Other (type an answer)"

// Prompter asks approval and agent questions on the terminal. It satisfies
// orchestrator.Approver and orchestrator.Questioner. Prompts are serialized.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	mu sync.Mutex
}

func (p *Prompter) Confirm(ctx context.Context, prompt string) (bool, error) {
	m, err := p.run(ctx, newSelectModel(prompt, []string{"Yes", "No"}))
	if err != nil {
		return false, err
	}
	sm := m.(selectModel)
	return !sm.cancelled && sm.chosen == 0, nil
}

func (p *Prompter) Answer(ctx context.Context, state string, q models.AgentQuestion) (string, error) {
	title := fmt.Sprintf("%s asks: %s", orchestrator.DisplayName(state), q.Question)

	if len(q.Options) > 0 {
		options := append([]string{}, q.Options...)
		if q.AllowFreeText {
			options = append(options, otherOption)
		}
		m, err := p.run(ctx, newSelectModel(title, options))
		if err != nil {
			return "", err
		}
		sm := m.(selectModel)
		if sm.cancelled {
			return DeclinedAnswer, nil
		}
		if !q.AllowFreeText || sm.chosen < len(q.Options) {
			return q.Options[sm.chosen], nil
		}
	}

	m, err := p.run(ctx, newTextModel(title))
	if err != nil {
		return "", err
	}
	tm := m.(textModel)
	if tm.cancelled {
		return DeclinedAnswer, nil
	}
	return tm.value, nil
}

func (p *Prompter) run(ctx context.Context, m tea.Model) (tea.Model, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if p.In != nil {
		opts = append(opts, tea.WithInput(p.In))
	}
	if p.Out != nil {
		opts = append(opts, tea.WithOutput(p.Out))
	}
	final, err := tea.NewProgram(m, opts...).Run()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil, fmt.Errorf("prompt interrupted: %w", err)
		}
		return nil, err
	}
	return final, nil
}

// selectModel picks one option with arrows, j/k or a digit.
type selectModel struct {
	title     string
	options   []string
	cursor    int
	chosen    int
	cancelled bool
}

func newSelectModel(title string, options []string) selectModel {
	return selectModel{title: title, options: options, chosen: -1}
}

func (m selectModel) Init() tea.Cmd { return nil }

func (m selectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch s := key.String(); s {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.options)-1 {
			m.cursor++
		}
	case "enter":
		m.chosen = m.cursor
		return m, tea.Quit
	case "esc", "ctrl+c", "q":
		m.cancelled = true
		return m, tea.Quit
	default:
		if len(s) == 1 && s[0] >= '1' && s[0] <= '9' {
			if n := int(s[0] - '1'); n < len(m.options) {
				m.cursor = n
				m.chosen = n
				return m, tea.Quit
			}
		}
	}
	return m, nil
}

func (m selectModel) View() string {
	if m.chosen >= 0 || m.cancelled {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title) + "\n\n")
	for i, opt := range m.options {
		line := fmt.Sprintf("%d. %s", i+1, opt)
		if i == m.cursor {
			b.WriteString(selectedStyle.Render("▶ "+line) + "\n")
		} else {
			b.WriteString("  " + line + "\n")
		}
	}
	b.WriteString("\n" + helpStyle.Render("[↑/↓] move  [enter] select  [esc] dismiss"))
	return b.String()
}

// textModel reads one non-empty line of free text.
type textModel struct {
	title     string
	input     textinput.Model
	value     string
	done      bool
	cancelled bool
}

func newTextModel(title string) textModel {
	in := textinput.New()
	in.Placeholder = "Type your answer"
	in.CharLimit = 2000
	in.Focus()
	return textModel{title: title, input: in}
}

func (m textModel) Init() tea.Cmd { return textinput.Blink }

func (m textModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyEnter:
			v := strings.TrimSpace(m.input.Value())
			if v == "" {
				return m, nil
			}
			m.value = v
			m.done = true
			return m, tea.Quit
		case tea.KeyEsc, tea.KeyCtrlC:
			m.cancelled = true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m textModel) View() string {
	if m.done || m.cancelled {
		return ""
	}
	return titleStyle.Render(m.title) + "\n\n" + m.input.View() + "\n\n" +
		helpStyle.Render("[enter] send  [esc] dismiss")
}
