//go:build !windows

package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mpataki/chronicle/internal/ipc"
	"github.com/mpataki/chronicle/internal/models"
)

const fakeAgentEnv = "CHRONICLE_FAKE_AGENT"

// TestMain lets the test binary stand in for an agent process.
func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeAgentEnv); mode != "" {
		os.Exit(fakeAgent(mode))
	}
	os.Exit(m.Run())
}

func delta(text string) string {
	return fmt.Sprintf(`{"type":"message_update","assistantMessageEvent":{"type":"text_delta","delta":%q}}`, text)
}

func fakeAgent(mode string) int {
	ctx := context.Background()
	switch mode {
	case "success":
		fmt.Println("starting up (not json)")
		fmt.Println(delta("Planning\n"))
		fmt.Println(delta("All done"))
		fmt.Println(`{"type":"message_end","message":{"role":"assistant","usage":{"input":10,"output":5}}}`)
		fmt.Println(`{"type":"message_end","message":{"role":"assistant","usage":{"input":40,"output":8}}}`)
		return 0
	case "fail":
		fmt.Fprintln(os.Stderr, "boom")
		return 3
	case "trailing":
		fmt.Print(delta("no newline at end"))
		return 0
	case "hang":
		time.Sleep(time.Hour)
		return 0
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(time.Hour)
		return 0
	case "ask":
		answer, err := ipc.Ask(ctx, os.Stdout, ipc.AskEnvFromOS(), models.AgentQuestion{Question: "meaning?"}, 10*time.Millisecond, 5*time.Second)
		if err != nil {
			return 2
		}
		fmt.Println(delta("answer=" + answer))
		return 0
	case "ask-twice":
		env := ipc.AskEnvFromOS()
		for _, q := range []string{"first?", "second?"} {
			line, _ := ipc.EncodeQuestion(models.AgentQuestion{Question: q})
			fmt.Println(line)
		}
		for i := 0; i < 2; i++ {
			answer, err := ipc.PollAnswer(ctx, env.AnswerPath(), 10*time.Millisecond, 5*time.Second)
			if err != nil {
				return 2
			}
			fmt.Println(delta(answer + "\n"))
		}
		return 0
	}
	return 99
}

func newTestRunner(t *testing.T, mode string) *Runner {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	r := NewRunner(exe, []string{})
	r.Env = []string{fakeAgentEnv + "=" + mode}
	r.Grace = 200 * time.Millisecond
	return r
}

func testSpec(t *testing.T) Spec {
	return Spec{Identity: "coder", SessionDir: t.TempDir(), LedgerID: "ledger1", State: "implementation"}
}

func TestRun_Success(t *testing.T) {
	r := newTestRunner(t, "success")

	var progress []string
	var pid int
	res := r.Run(context.Background(), testSpec(t), "do it", 10*time.Second, Callbacks{
		Progress: func(line string) { progress = append(progress, line) },
		Started:  func(p int) { pid = p },
	})

	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "Planning\nAll done", res.Output)
	require.Equal(t, 48, res.TokensUsed)
	require.Equal(t, []string{"Planning", "All done"}, progress)
	require.NotZero(t, pid)
	require.False(t, res.Killed)
	require.False(t, r.Running())
}

func TestRun_NonZeroExitUsesStderr(t *testing.T) {
	res := newTestRunner(t, "fail").Run(context.Background(), testSpec(t), "", 10*time.Second, Callbacks{})
	require.Equal(t, 3, res.ExitCode)
	require.Equal(t, "[exit 3] boom", res.Output)
}

func TestRun_TrailingLineIsParsed(t *testing.T) {
	res := newTestRunner(t, "trailing").Run(context.Background(), testSpec(t), "", 10*time.Second, Callbacks{})
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "no newline at end", res.Output)
}

func TestRun_SpawnFailure(t *testing.T) {
	r := NewRunner("/nonexistent/chronicle-agent", nil)
	res := r.Run(context.Background(), testSpec(t), "", time.Second, Callbacks{})
	require.Equal(t, 1, res.ExitCode)
	require.Contains(t, res.Output, "Error spawning agent:")
}

func TestRun_Timeout(t *testing.T) {
	r := newTestRunner(t, "hang")
	start := time.Now()
	res := r.Run(context.Background(), testSpec(t), "", 100*time.Millisecond, Callbacks{})

	require.Less(t, time.Since(start), 100*time.Millisecond+r.Grace+2*time.Second)
	require.Equal(t, ExitTimeout, res.ExitCode)
	require.True(t, res.TimedOut)
	require.True(t, res.Killed)
	require.Contains(t, res.Output, "timed out")
}

func TestRun_TimeoutEscalatesToKill(t *testing.T) {
	r := newTestRunner(t, "stubborn")
	start := time.Now()
	res := r.Run(context.Background(), testSpec(t), "", 100*time.Millisecond, Callbacks{})

	require.Equal(t, ExitTimeout, res.ExitCode)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond+r.Grace)
	require.Less(t, time.Since(start), 100*time.Millisecond+r.Grace+2*time.Second)
}

func TestRun_Kill(t *testing.T) {
	r := newTestRunner(t, "hang")
	require.False(t, r.Kill(), "nothing to kill before start")

	res := r.Run(context.Background(), testSpec(t), "", 10*time.Second, Callbacks{
		Started: func(int) { go r.Kill() },
	})

	require.True(t, res.Killed)
	require.False(t, res.TimedOut)
	require.NotEqual(t, ExitTimeout, res.ExitCode)
	require.False(t, r.Kill(), "kill after exit has no effect")
}

func TestWatchdog_SkipsReapedProcess(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), fakeAgentEnv+"=fail")
	require.NoError(t, cmd.Start())
	_ = cmd.Wait()

	require.ErrorIs(t, termProcess(cmd.Process), os.ErrProcessDone)

	r := newTestRunner(t, "success")
	var timedOut atomic.Bool
	start := time.Now()
	r.watchdog(context.Background(), cmd.Process, time.Millisecond, make(chan struct{}), &timedOut)

	require.False(t, timedOut.Load())
	require.False(t, r.killed.Load())
	require.Less(t, time.Since(start), r.Grace)
}

func TestRun_KillAfterExitIsNoop(t *testing.T) {
	r := newTestRunner(t, "success")
	res := r.Run(context.Background(), testSpec(t), "do it", 10*time.Second, Callbacks{})
	require.Equal(t, 0, res.ExitCode)
	require.False(t, r.Kill())
	require.False(t, r.killed.Load())
}

func TestProcessAlive(t *testing.T) {
	require.True(t, ProcessAlive(os.Getpid()))
	require.False(t, ProcessAlive(0))

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	require.False(t, ProcessAlive(cmd.Process.Pid))
}

func TestRun_ContextCancel(t *testing.T) {
	r := newTestRunner(t, "hang")
	ctx, cancel := context.WithCancel(context.Background())
	res := r.Run(ctx, testSpec(t), "", 10*time.Second, Callbacks{
		Started: func(int) { cancel() },
	})
	require.True(t, res.Killed)
	require.False(t, res.TimedOut)
}

func TestRun_QuestionRoundTrip(t *testing.T) {
	r := newTestRunner(t, "ask")
	var asked []string
	res := r.Run(context.Background(), testSpec(t), "", 10*time.Second, Callbacks{
		Question: func(_ context.Context, q models.AgentQuestion) (string, error) {
			asked = append(asked, q.Question)
			return "42", nil
		},
	})

	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, []string{"meaning?"}, asked)
	require.Equal(t, "answer=42", res.Output)
}

func TestRun_QuestionsAreSerialized(t *testing.T) {
	r := newTestRunner(t, "ask-twice")

	var inFlight, maxInFlight atomic.Int32
	var mu sync.Mutex
	var order []string
	res := r.Run(context.Background(), testSpec(t), "", 10*time.Second, Callbacks{
		Question: func(_ context.Context, q models.AgentQuestion) (string, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			if n > maxInFlight.Load() {
				maxInFlight.Store(n)
			}
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			order = append(order, q.Question)
			mu.Unlock()
			return "re:" + q.Question, nil
		},
	})

	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, int32(1), maxInFlight.Load())
	require.Equal(t, []string{"first?", "second?"}, order)
	require.Equal(t, "re:first?\nre:second?\n", res.Output)
}

func TestArgs(t *testing.T) {
	r := NewRunner("pi", []string{"--mode", "json"})
	args := r.Args(Spec{
		Model:       "sonnet",
		Tools:       "read,bash",
		Persona:     "You review plans.",
		ContextFile: "/tmp/ctx.md",
		Skills:      []string{"/skills/a", "/skills/b"},
	}, "review the plan")

	require.Equal(t, []string{
		"--mode", "json",
		"--model", "sonnet",
		"--tools", "read,bash",
		"--system-prompt", "You review plans.",
		"--append-system-prompt", "/tmp/ctx.md",
		"--skill", "/skills/a",
		"--skill", "/skills/b",
		Trigger + "\n\nreview the plan",
	}, args)
}
