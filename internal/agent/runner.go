// Package agent supervises one external agent process per workflow state run.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mpataki/chronicle/internal/ipc"
	"github.com/mpataki/chronicle/internal/log"
	"github.com/mpataki/chronicle/internal/models"
)

// ExitTimeout is the exit code reported for a run the supervisor killed on
// timeout. No other outcome uses it.
const ExitTimeout = 124

const (
	DefaultGrace = 5 * time.Second

	// Trigger is the positional prompt that precedes the task.
	Trigger = "Execute the task now. You are explicitly authorized to run the required tools in this workspace. Do not ask for additional approval."

	maxLineSize   = 10 * 1024 * 1024
	maxStderrSize = 64 * 1024
)

// DefaultArgs are passed to the agent command before the per-run flags.
var DefaultArgs = []string{"--mode", "json", "-p", "--no-extensions", "--thinking", "off", "--no-session"}

// Spec is the resolved agent invocation for one state run.
type Spec struct {
	Identity    string
	Model       string
	Tools       string
	Persona     string
	Skills      []string
	ContextFile string

	// IPC handoff, exported to the child as CHRONICLE_* variables.
	SessionDir string
	LedgerID   string
	State      string
}

// Callbacks receive events from a running agent. Any of them may be nil.
type Callbacks struct {
	Progress func(line string)
	Question func(ctx context.Context, q models.AgentQuestion) (string, error)
	Started  func(pid int)
}

type Result struct {
	Output     string
	ExitCode   int
	Elapsed    time.Duration
	TokensUsed int
	Killed     bool
	TimedOut   bool
}

// Runner spawns agent processes. One Runner serves one session; it tracks
// the current child so Kill can reach it.
type Runner struct {
	Command  string
	BaseArgs []string
	WorkDir  string
	Env      []string
	Grace    time.Duration

	mu      sync.Mutex
	current *exec.Cmd
	killed  atomic.Bool
}

func NewRunner(command string, baseArgs []string) *Runner {
	if baseArgs == nil {
		baseArgs = DefaultArgs
	}
	return &Runner{Command: command, BaseArgs: baseArgs, Grace: DefaultGrace}
}

// Args builds the argument vector for spec and task. Nothing is passed
// through a shell.
func (r *Runner) Args(spec Spec, task string) []string {
	args := append([]string{}, r.BaseArgs...)
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.Tools != "" {
		args = append(args, "--tools", spec.Tools)
	}
	if spec.Persona != "" {
		args = append(args, "--system-prompt", spec.Persona)
	}
	if spec.ContextFile != "" {
		args = append(args, "--append-system-prompt", spec.ContextFile)
	}
	for _, s := range spec.Skills {
		args = append(args, "--skill", s)
	}
	prompt := Trigger
	if task = strings.TrimSpace(task); task != "" {
		prompt += "\n\n" + task
	}
	return append(args, prompt)
}

// Run executes one agent process and waits for it to finish, time out, or be
// killed. It never returns an error: a spawn failure is reported as exit 1.
func (r *Runner) Run(ctx context.Context, spec Spec, task string, timeout time.Duration, cb Callbacks) Result {
	ctx, span := otel.Tracer("chronicle/agent").Start(ctx, "agent.run",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("agent.identity", spec.Identity),
			attribute.String("workflow.state", spec.State),
		))
	defer span.End()

	start := time.Now()
	r.killed.Store(false)

	cmd := exec.Command(r.Command, r.Args(spec, task)...) //nolint:gosec // G204: command comes from config
	cmd.Dir = r.WorkDir
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Env = append(cmd.Env,
		ipc.EnvSessionDir+"="+spec.SessionDir,
		ipc.EnvLedgerID+"="+spec.LedgerID,
		ipc.EnvState+"="+spec.State,
	)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return spawnFailure(err, start)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return spawnFailure(err, start)
	}
	if err := cmd.Start(); err != nil {
		log.ErrorErr(log.CatAgent, "Failed to spawn agent", err, "command", r.Command, "state", spec.State)
		return spawnFailure(err, start)
	}

	pid := cmd.Process.Pid
	r.setCurrent(cmd)
	log.Info(log.CatAgent, "Agent started", "pid", pid, "state", spec.State, "agent", spec.Identity)
	if cb.Started != nil {
		cb.Started(pid)
	}

	var timedOut atomic.Bool
	done := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		r.watchdog(ctx, cmd.Process, timeout, done, &timedOut)
	}()

	qctx, qcancel := context.WithCancel(ctx)
	questions := &questionPump{spec: spec, cb: cb, ctx: qctx}

	var tracker ipc.Tracker
	var errBuf strings.Builder
	var g errgroup.Group
	g.Go(func() error {
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for sc.Scan() {
			line := sc.Text()
			if q, ok := ipc.ParseQuestionLine(line); ok {
				questions.offer(q)
				continue
			}
			if progress, changed := tracker.Feed(line); changed && cb.Progress != nil {
				cb.Progress(progress)
			}
		}
		return sc.Err()
	})
	g.Go(func() error {
		_, err := io.Copy(&capped{b: &errBuf, max: maxStderrSize}, stderr)
		return err
	})

	if err := g.Wait(); err != nil {
		log.Warn(log.CatAgent, "Agent output stream error", "error", err, "pid", pid)
	}
	waitErr := cmd.Wait()
	close(done)
	// The watchdog and Kill decide their flags before this point.
	<-watched
	r.setCurrent(nil)
	qcancel()
	questions.wait()

	code := exitCode(cmd, waitErr)
	res := Result{
		Output:     tracker.Output(),
		ExitCode:   code,
		Elapsed:    time.Since(start),
		TokensUsed: tracker.Tokens(),
		Killed:     r.killed.Load() || timedOut.Load(),
		TimedOut:   timedOut.Load(),
	}
	if res.Output == "" && code != 0 {
		if msg := strings.TrimSpace(errBuf.String()); msg != "" {
			res.Output = fmt.Sprintf("[exit %d] %s", code, msg)
		}
	}
	if res.TimedOut {
		res.ExitCode = ExitTimeout
		res.Output += fmt.Sprintf("\n\nAgent timed out after %s and was killed. Partial output above.", timeout)
	}

	span.SetAttributes(attribute.Int("agent.exit_code", res.ExitCode), attribute.Int("agent.tokens", res.TokensUsed))
	if res.ExitCode != 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("exit %d", res.ExitCode))
	}
	log.Info(log.CatAgent, "Agent finished", "pid", pid, "exit", res.ExitCode, "elapsed", res.Elapsed, "tokens", res.TokensUsed)
	return res
}

// watchdog enforces the wall-clock timeout and context cancellation. It
// returns without signalling once done is closed, and a run is only marked
// timed out if the process was still there to signal.
func (r *Runner) watchdog(ctx context.Context, p *os.Process, timeout time.Duration, done <-chan struct{}, timedOut *atomic.Bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return
	case <-ctx.Done():
		if termProcess(p) != nil {
			return
		}
		r.killed.Store(true)
		log.Warn(log.CatAgent, "Agent cancelled", "pid", p.Pid)
	case <-timer.C:
		if termProcess(p) != nil {
			return
		}
		timedOut.Store(true)
		log.Warn(log.CatAgent, "Agent timed out", "pid", p.Pid, "timeout", timeout)
	}

	grace := time.NewTimer(r.grace())
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		log.Warn(log.CatAgent, "Agent ignored SIGTERM, killing", "pid", p.Pid)
		_ = killProcess(p)
	}
}

// Kill terminates the running agent, if any. It reports whether there was a
// process to signal.
func (r *Runner) Kill() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd := r.current
	if cmd == nil || cmd.Process == nil {
		return false
	}
	if err := termProcess(cmd.Process); err != nil {
		return false
	}
	r.killed.Store(true)
	log.Info(log.CatAgent, "Killing agent", "pid", cmd.Process.Pid)
	go func() {
		time.Sleep(r.grace())
		_ = killProcess(cmd.Process)
	}()
	return true
}

// Running reports whether an agent process is currently alive.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

func (r *Runner) setCurrent(cmd *exec.Cmd) {
	r.mu.Lock()
	r.current = cmd
	r.mu.Unlock()
}

func (r *Runner) grace() time.Duration {
	if r.Grace <= 0 {
		return DefaultGrace
	}
	return r.Grace
}

func spawnFailure(err error, start time.Time) Result {
	return Result{
		Output:   "Error spawning agent: " + err.Error(),
		ExitCode: 1,
		Elapsed:  time.Since(start),
	}
}

func exitCode(cmd *exec.Cmd, err error) int {
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return 1
	}
	if cmd.ProcessState == nil {
		return 1
	}
	if code := cmd.ProcessState.ExitCode(); code >= 0 {
		return code
	}
	// Terminated by a signal.
	return 1
}

type capped struct {
	b   *strings.Builder
	max int
}

func (c *capped) Write(p []byte) (int, error) {
	if room := c.max - c.b.Len(); room > 0 {
		if len(p) > room {
			c.b.Write(p[:room])
		} else {
			c.b.Write(p)
		}
	}
	return len(p), nil
}
