// Package console is a line-oriented driver for one session. It serializes
// transitions and routes operator input to agent questions while an agent
// runs.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/mpataki/chronicle/internal/ipc"
	"github.com/mpataki/chronicle/internal/log"
	"github.com/mpataki/chronicle/internal/models"
	"github.com/mpataki/chronicle/internal/orchestrator"
	"github.com/mpataki/chronicle/internal/tui"
)

// Driver is the session surface the console needs. *orchestrator.Session
// implements it.
type Driver interface {
	ID() string
	Transition(ctx context.Context, req orchestrator.TransitionRequest) (*orchestrator.Result, error)
	UpdateSnapshot(u models.SnapshotUpdate) error
	Status() orchestrator.StatusReport
	Kill() bool
}

const help = `Commands:
  status             show the session
  go <state>         run a state (prompts for task and summary)
  finding <text>     add a key finding
  file <path>        record a modified file
  todo <text>        add a pending task
  kill               stop the running agent
  help               show this help
  quit               leave the console (the session is kept)`

// Console reads commands from in and writes to out. It also answers agent
// questions and approval prompts, so it is passed to the orchestrator as
// Questioner and Approver.
type Console struct {
	in    io.Reader
	out   io.Writer
	width int

	rv       ipc.Rendezvous
	lines    chan string
	eof      chan struct{}
	readOnce sync.Once

	outMu  sync.Mutex
	queued []string
}

func New(in io.Reader, out io.Writer) *Console {
	return &Console{in: in, out: out, width: 100, lines: make(chan string), eof: make(chan struct{})}
}

// Run processes commands until quit, end of input or ctx is cancelled.
func (c *Console) Run(ctx context.Context, s Driver) error {
	c.startReader()
	c.println(tui.RenderStatus(s.Status(), c.width))
	c.println(`Type "help" for commands.`)

	for {
		c.prompt("chronicle> ")
		line, ok := c.next(ctx)
		if !ok {
			return ctx.Err()
		}
		quit, err := c.dispatch(ctx, s, line)
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
	}
}

func (c *Console) dispatch(ctx context.Context, s Driver, line string) (bool, error) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "":
	case "quit", "exit", "q":
		return true, nil
	case "help", "?":
		c.println(help)
	case "status":
		c.println(tui.RenderStatus(s.Status(), c.width))
	case "kill":
		c.println("No agent is running.")
	case "finding", "file", "todo":
		if arg == "" {
			c.println("Usage: " + cmd + " <text>")
			return false, nil
		}
		var u models.SnapshotUpdate
		switch cmd {
		case "finding":
			u.KeyFindings = []string{arg}
		case "file":
			u.ModifiedFiles = []string{arg}
		case "todo":
			u.PendingTasks = []string{arg}
		}
		if err := s.UpdateSnapshot(u); err != nil {
			return false, err
		}
		c.println("Snapshot updated.")
	case "go":
		if arg == "" {
			c.println("Usage: go <state>")
			return false, nil
		}
		return false, c.transition(ctx, s, arg)
	default:
		c.println(fmt.Sprintf("Unknown command %q. Type \"help\".", cmd))
	}
	return false, nil
}

func (c *Console) transition(ctx context.Context, s Driver, state string) error {
	c.prompt("task> ")
	task, ok := c.next(ctx)
	if !ok {
		return ctx.Err()
	}
	c.prompt("summary of the current state (optional)> ")
	summary, ok := c.next(ctx)
	if !ok {
		return ctx.Err()
	}

	type outcome struct {
		res *orchestrator.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.Transition(ctx, orchestrator.TransitionRequest{
			To:      state,
			Task:    strings.TrimSpace(task),
			Summary: strings.TrimSpace(summary),
		})
		done <- outcome{res, err}
	}()

	lines := c.lines
	cancelled := ctx.Done()
	for {
		select {
		case o := <-done:
			if o.err != nil {
				return o.err
			}
			c.println(tui.RenderResult(o.res, c.width))
			return nil
		case <-cancelled:
			s.Kill()
			cancelled = nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			c.whileRunning(s, line)
		}
	}
}

// whileRunning handles a line typed while an agent runs.
func (c *Console) whileRunning(s Driver, line string) {
	if strings.EqualFold(strings.TrimSpace(line), "kill") {
		if s.Kill() {
			c.println("Killing agent...")
		} else {
			c.println("No agent is running.")
		}
		return
	}
	if c.rv.Offer(line) {
		return
	}
	c.queued = append(c.queued, line)
	c.println(fmt.Sprintf("(queued until the agent finishes: %s)", strings.TrimSpace(line)))
}

// Answer implements orchestrator.Questioner using the next typed line.
func (c *Console) Answer(ctx context.Context, state string, q models.AgentQuestion) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s asks: %s\n", orchestrator.DisplayName(state), q.Question)
	for i, opt := range q.Options {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, opt)
	}
	switch {
	case len(q.Options) == 0:
		b.WriteString("Type your answer:")
	case q.AllowFreeText:
		b.WriteString("Pick a number or type an answer:")
	default:
		b.WriteString("Pick a number:")
	}
	c.println(b.String())

	for {
		reply, err := c.await(ctx)
		if err != nil {
			return "", err
		}
		if answer, ok := matchOption(reply, q); ok {
			return answer, nil
		}
		if len(q.Options) == 0 {
			c.println("Type your answer:")
		} else {
			c.println(fmt.Sprintf("Choose 1-%d.", len(q.Options)))
		}
	}
}

// Confirm implements orchestrator.Approver.
func (c *Console) Confirm(ctx context.Context, prompt string) (bool, error) {
	c.println("\n" + prompt + " [y/N]")
	reply, err := c.await(ctx)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(reply)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// Observe prints engine events. Pass it to orchestrator.WithObserver.
func (c *Console) Observe(ev orchestrator.Event) {
	switch ev.Kind {
	case orchestrator.EventRunning:
		c.println(fmt.Sprintf("▶ Running %s [%s]...", orchestrator.DisplayName(ev.State), ev.Agent))
	case orchestrator.EventProgress:
		c.println("  · " + ev.Line)
	case orchestrator.EventStatus:
		c.println(fmt.Sprintf("Session %s is now %s.", ev.LedgerID, ev.Status))
	}
}

func (c *Console) await(ctx context.Context) (string, error) {
	ch := c.rv.Arm()
	defer c.rv.Disarm()
	select {
	case reply := <-ch:
		return strings.TrimSpace(reply), nil
	case <-c.eof:
		return "", io.EOF
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func matchOption(reply string, q models.AgentQuestion) (string, bool) {
	if len(q.Options) == 0 {
		return reply, reply != ""
	}
	if n, err := strconv.Atoi(reply); err == nil && n >= 1 && n <= len(q.Options) {
		return q.Options[n-1], true
	}
	for _, opt := range q.Options {
		if strings.EqualFold(opt, reply) {
			return opt, true
		}
	}
	if q.AllowFreeText && reply != "" {
		return reply, true
	}
	return "", false
}

// next returns the next command line, queued lines first.
func (c *Console) next(ctx context.Context) (string, bool) {
	if len(c.queued) > 0 {
		line := c.queued[0]
		c.queued = c.queued[1:]
		return line, true
	}
	select {
	case line, ok := <-c.lines:
		return line, ok
	case <-ctx.Done():
		return "", false
	}
}

func (c *Console) startReader() {
	c.readOnce.Do(func() {
		go func() {
			defer close(c.eof)
			defer close(c.lines)
			scanner := bufio.NewScanner(c.in)
			for scanner.Scan() {
				c.lines <- scanner.Text()
			}
			if err := scanner.Err(); err != nil {
				log.Warn(log.CatCLI, "Console input failed", "error", err)
			}
		}()
	})
}

func (c *Console) prompt(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprint(c.out, s)
}

func (c *Console) println(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintln(c.out, s)
}
