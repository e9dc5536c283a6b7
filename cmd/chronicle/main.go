package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mpataki/chronicle/internal/tui"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chronicle",
		Short: "Workflow orchestrator for coding agents",
		Long: "Chronicle moves a task through a graph of states, running one agent per state\n" +
			"and keeping a durable ledger of everything that happened.",
		RunE:         runTUI,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newTransitionCommand())
	rootCmd.AddCommand(newSnapshotCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newKillCommand())
	rootCmd.AddCommand(newAskCommand())
	rootCmd.AddCommand(newDriveCommand())
	rootCmd.AddCommand(newShellCommand())
	rootCmd.AddCommand(newWorkflowsCommand())
	return rootCmd
}

// runTUI opens the session browser.
func runTUI(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.close()

	app := tui.NewApp(e.store, e.killLedger)
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
	_, err = p.Run()
	return err
}
