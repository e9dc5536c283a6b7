package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mpataki/chronicle/internal/console"
	"github.com/mpataki/chronicle/internal/lua"
	"github.com/mpataki/chronicle/internal/orchestrator"
	"github.com/mpataki/chronicle/internal/tui"
)

func newDriveCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "drive <id> <script.lua>",
		Short: "Drive a session with a Lua script",
		Long: "Run a Lua script that defines workflow(task). The script moves the session\n" +
			"with transition(), records findings with snapshot() and can hand off with stuck().",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !lua.IsScript(args[1]) {
				return fmt.Errorf("%s is not a .lua script", args[1])
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

			rt := lua.NewRuntime(s)
			err = rt.Execute(cmd.Context(), args[1])
			out := cmd.OutOrStdout()
			if errors.Is(err, lua.ErrStuck) {
				fmt.Fprintf(out, "Script stopped: %v\nSession %s needs a human.\n", err, s.ID())
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(out, tui.RenderStatus(s.Status(), renderWidth))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Approve gated states without prompting")
	return cmd
}

func newShellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell [id]",
		Short: "Drive a session interactively",
		Long: "Open a line console on a session (default: the most recent). Agent questions\n" +
			"and approvals are answered in the same console.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			c := console.New(cmd.InOrStdin(), cmd.OutOrStdout())
			o, err := e.orchestrator(
				orchestrator.WithApprover(c),
				orchestrator.WithQuestioner(c),
				orchestrator.WithObserver(c.Observe),
			)
			if err != nil {
				return err
			}
			s, err := e.session(o, firstArg(args))
			if err != nil {
				return err
			}
			return c.Run(cmd.Context(), s)
		},
	}
}
