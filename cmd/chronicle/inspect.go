package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/mpataki/chronicle/internal/config"
	"github.com/mpataki/chronicle/internal/models"
	"github.com/mpataki/chronicle/internal/orchestrator"
	"github.com/mpataki/chronicle/internal/spec"
	"github.com/mpataki/chronicle/internal/storage"
	"github.com/mpataki/chronicle/internal/tui"
)

func newStatusCommand() *cobra.Command {
	var (
		follow  bool
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Show a session (default: the most recent)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			o, err := e.orchestrator()
			if err != nil {
				return err
			}
			s, err := e.session(o, firstArg(args))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			st := s.Status()
			if jsonOut {
				return writeJSON(out, st.Ledger)
			}
			fmt.Fprintln(out, tui.RenderStatus(st, renderWidth))
			if !follow {
				return nil
			}

			fs, ok := e.store.(*storage.FileStore)
			if !ok {
				return errors.New("--follow requires the file store")
			}
			updates, err := fs.Watch(cmd.Context(), s.ID())
			if err != nil {
				return err
			}
			for l := range updates {
				fmt.Fprintln(out)
				fmt.Fprintln(out, tui.RenderStatus(reportFor(l), renderWidth))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing the session as it changes")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the ledger as JSON")
	return cmd
}

// reportFor builds a status report from a ledger read outside a session.
func reportFor(l *models.Ledger) orchestrator.StatusReport {
	var next []string
	if l.Workflow != nil {
		if sd := l.Workflow.State(l.CurrentState); sd != nil {
			next = slices.Clone(sd.Next)
		}
	}
	return orchestrator.StatusReport{Ledger: l, Next: next, Running: l.InFlight}
}

func newListCommand() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			ledgers, err := e.store.List()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, ledgers)
			}
			if len(ledgers) == 0 {
				fmt.Fprintln(out, "No sessions yet. Start one with `chronicle start`.")
				return nil
			}
			fmt.Fprintln(out, tui.RenderList(ledgers, renderWidth))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print ledgers as JSON")
	return cmd
}

func newWorkflowsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List available workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			defs, paths, err := spec.LoadAll(cfg.WorkflowSearchDirs())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(defs) == 0 {
				fmt.Fprintf(out, "No workflows found. Add one to %s\n", cfg.UserWorkflowDir())
				return nil
			}
			for _, name := range spec.Names(defs) {
				def := defs[name]
				fmt.Fprintf(out, "%-20s %2d states  %s\n", name, len(def.States), paths[name])
				if def.Description != "" {
					fmt.Fprintf(out, "  %s\n", def.Description)
				}
			}
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
