package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mpataki/chronicle/internal/models"
	"github.com/mpataki/chronicle/internal/orchestrator"
	"github.com/mpataki/chronicle/internal/spec"
	"github.com/mpataki/chronicle/internal/tui"
)

const renderWidth = 100

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <workflow> <task...>",
		Short: "Start a session of a workflow",
		Long: "Start a session. <workflow> is a workflow name from the search directories\n" +
			"or a path to a workflow file. No agent runs until the first transition.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			def, path, err := spec.Find(args[0], e.cfg.WorkflowSearchDirs())
			if err != nil {
				return err
			}
			if err := spec.Validate(def); err != nil {
				return err
			}

			o, err := e.orchestrator()
			if err != nil {
				return err
			}
			s, err := o.Start(def, path, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Started session %s\n\n", s.ID())
			fmt.Fprintln(out, tui.RenderStatus(s.Status(), renderWidth))
			return nil
		},
	}
}

func newTransitionCommand() *cobra.Command {
	var (
		task    string
		summary string
		yes     bool
	)

	cmd := &cobra.Command{
		Use:   "transition <id> <state>",
		Short: "Run the agent for a state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(task) == "" {
				return fmt.Errorf("--task is required")
			}
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			o, err := e.orchestrator(interactiveOptions(cmd, yes)...)
			if err != nil {
				return err
			}
			s, err := o.Resume(args[0])
			if err != nil {
				return err
			}

			res, err := s.Transition(cmd.Context(), orchestrator.TransitionRequest{To: args[1], Task: task, Summary: summary})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tui.RenderResult(res, renderWidth))
			return nil
		},
	}

	cmd.Flags().StringVarP(&task, "task", "t", "", "Task for the target state's agent")
	cmd.Flags().StringVarP(&summary, "summary", "s", "", "Summary of the state being left")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Approve gated states without prompting")
	return cmd
}

func newResumeCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "resume [id]",
		Short: "Resume a session, re-running an interrupted agent",
		Long: "Resume the given session, or the most recently updated one. If the session\n" +
			"was interrupted while an agent ran, its task is issued again.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			o, err := e.orchestrator(interactiveOptions(cmd, yes)...)
			if err != nil {
				return err
			}
			s, err := e.session(o, firstArg(args))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !s.InFlight() {
				fmt.Fprintln(out, tui.RenderStatus(s.Status(), renderWidth))
				fmt.Fprintln(out, "\nNo interrupted run to resume.")
				return nil
			}

			fmt.Fprintf(out, "Re-running interrupted state %s\n", orchestrator.DisplayName(s.Status().Ledger.CurrentState))
			res, err := s.ResumeInFlight(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(out, tui.RenderResult(res, renderWidth))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Approve gated states without prompting")
	return cmd
}

func newSnapshotCommand() *cobra.Command {
	var (
		findings []string
		files    []string
		todos    []string
		custom   []string
	)

	cmd := &cobra.Command{
		Use:   "snapshot <id>",
		Short: "Add findings, modified files or pending tasks to a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := models.SnapshotUpdate{KeyFindings: findings, ModifiedFiles: files, PendingTasks: todos}
			if len(custom) > 0 {
				m, err := parseCustom(custom)
				if err != nil {
					return err
				}
				u.Custom = m
			}
			if u.IsEmpty() {
				return fmt.Errorf("nothing to add: use --finding, --file, --todo or --custom")
			}

			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			o, err := e.orchestrator()
			if err != nil {
				return err
			}
			s, err := o.Resume(args[0])
			if err != nil {
				return err
			}
			if err := s.UpdateSnapshot(u); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Snapshot updated.")
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&findings, "finding", nil, "Key finding (repeatable)")
	cmd.Flags().StringArrayVar(&files, "file", nil, "Modified file (repeatable)")
	cmd.Flags().StringArrayVar(&todos, "todo", nil, "Pending task (repeatable)")
	cmd.Flags().StringArrayVar(&custom, "custom", nil, "Custom key=value; JSON values are decoded (repeatable)")
	return cmd
}

// parseCustom turns key=value pairs into snapshot data. Values that parse as
// JSON keep their type; anything else is a string.
func parseCustom(pairs []string) (map[string]any, error) {
	m := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --custom %q: want key=value", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			m[k] = decoded
		} else {
			m[k] = v
		}
	}
	return m, nil
}

// interactiveOptions wires terminal prompts and progress output into an
// orchestrator.
func interactiveOptions(cmd *cobra.Command, yes bool) []orchestrator.Option {
	prompter := &tui.Prompter{In: cmd.InOrStdin(), Out: cmd.ErrOrStderr()}
	opts := []orchestrator.Option{
		orchestrator.WithQuestioner(prompter),
		orchestrator.WithObserver(progressPrinter(cmd.ErrOrStderr())),
	}
	if yes {
		opts = append(opts, orchestrator.WithApprover(autoApprover{}))
	} else {
		opts = append(opts, orchestrator.WithApprover(prompter))
	}
	return opts
}

func progressPrinter(w io.Writer) orchestrator.Observer {
	return func(ev orchestrator.Event) {
		switch ev.Kind {
		case orchestrator.EventRunning:
			fmt.Fprintf(w, "▶ Running %s [%s]...\n", orchestrator.DisplayName(ev.State), ev.Agent)
		case orchestrator.EventProgress:
			fmt.Fprintf(w, "  · %s\n", ev.Line)
		case orchestrator.EventStatus:
			fmt.Fprintf(w, "Session %s is now %s.\n", ev.LedgerID, ev.Status)
		}
	}
}

type autoApprover struct{}

func (autoApprover) Confirm(ctx context.Context, prompt string) (bool, error) { return true, nil }

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
