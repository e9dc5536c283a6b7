package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mpataki/chronicle/internal/config"
	"github.com/mpataki/chronicle/internal/ipc"
	"github.com/mpataki/chronicle/internal/models"
)

func newKillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <id>",
		Short: "Stop the agent running for a session",
		Long: "Send SIGTERM to the agent's process group, then SIGKILL after the grace\n" +
			"period. Works from any terminal; the owning process records the run as failed.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			l, err := e.store.Load(args[0])
			if err != nil {
				return err
			}
			if err := e.killLedger(l); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stopped agent for session %s\n", l.ID)
			return nil
		},
	}
}

func newAskCommand() *cobra.Command {
	var (
		question   string
		options    []string
		noFreeText bool
	)

	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Ask the operator a question from inside an agent",
		Long: "Used by agents run under chronicle. Prints a question marker, waits for the\n" +
			"operator's answer and prints it. Outside chronicle it answers immediately.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if question == "" {
				return fmt.Errorf("--question is required")
			}
			cfg, err := config.New()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			q := models.AgentQuestion{
				Question:      question,
				Options:       options,
				AllowFreeText: len(options) == 0 || !noFreeText,
			}
			out := cmd.OutOrStdout()
			answer, err := ipc.Ask(cmd.Context(), out, ipc.AskEnvFromOS(), q, cfg.Answer.PollInterval, cfg.Answer.MaxWait)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, answer)
			return nil
		},
	}

	cmd.Flags().StringVarP(&question, "question", "q", "", "Question to ask")
	cmd.Flags().StringArrayVarP(&options, "option", "o", nil, "Answer option (repeatable)")
	cmd.Flags().BoolVar(&noFreeText, "no-free-text", false, "Only accept one of the options")
	return cmd
}
