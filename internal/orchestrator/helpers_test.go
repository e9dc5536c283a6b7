package orchestrator

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mpataki/chronicle/internal/agent"
	"github.com/mpataki/chronicle/internal/models"
	"github.com/mpataki/chronicle/internal/storage"
	"github.com/mpataki/chronicle/internal/workspace"
)

type fakeCall struct {
	Spec    agent.Spec
	Task    string
	Timeout time.Duration
	Context string
}

// fakeRunner returns scripted results in order, then a default success.
type fakeRunner struct {
	mu      sync.Mutex
	results []agent.Result
	calls   []fakeCall
	onRun   func(spec agent.Spec, cb agent.Callbacks)
	kills   int
}

func (f *fakeRunner) Run(_ context.Context, spec agent.Spec, task string, timeout time.Duration, cb agent.Callbacks) agent.Result {
	data, _ := os.ReadFile(spec.ContextFile)
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{Spec: spec, Task: task, Timeout: timeout, Context: string(data)})
	onRun := f.onRun
	f.mu.Unlock()

	if onRun != nil {
		onRun(spec, cb)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) == 0 {
		return agent.Result{Output: "work complete", Elapsed: 2 * time.Second, TokensUsed: 100}
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r
}

func (f *fakeRunner) Kill() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
	return true
}

func (f *fakeRunner) push(results ...agent.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, results...)
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type approverFunc func(ctx context.Context, prompt string) (bool, error)

func (fn approverFunc) Confirm(ctx context.Context, prompt string) (bool, error) {
	return fn(ctx, prompt)
}

type questionerFunc func(ctx context.Context, state string, q models.AgentQuestion) (string, error)

func (fn questionerFunc) Answer(ctx context.Context, state string, q models.AgentQuestion) (string, error) {
	return fn(ctx, state, q)
}

func testWorkflow() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		Name:    "feature",
		Initial: "planning",
		States: map[string]*models.StateDefinition{
			"planning": {Description: "Write a plan", Next: []string{"plan-review"}},
			"plan-review": {
				Description:      "Review the plan",
				RequiresApproval: true,
				ApprovalMode:     models.ApprovalPost,
				Next:             []string{"planning", "security-review", "implementation", "done"},
			},
			"security-review": {Description: "Security pass", Next: []string{"plan-review"}},
			"implementation":  {Description: "Build it", Agent: "coder", Next: []string{"review", "done"}},
			"review":          {Description: "Review code", Next: []string{"implementation", "done"}},
			"deploy":          {Description: "Ship", RequiresApproval: true, Next: []string{"done"}, TimeoutMinutes: 2},
			"done":            {Description: "Finished"},
		},
	}
}

type testEnv struct {
	orch    *Orchestrator
	session *Session
	runner  *fakeRunner
	store   storage.Store
	ws      *workspace.Workspace
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	ws, err := workspace.Create(t.TempDir())
	require.NoError(t, err)
	store, err := storage.NewFileStore(ws.SessionsDir)
	require.NoError(t, err)

	runner := &fakeRunner{}
	orch := New(store, ws, func() AgentRunner { return runner }, opts...)
	s, err := orch.Start(testWorkflow(), "feature.yaml", "add caching")
	require.NoError(t, err)
	return &testEnv{orch: orch, session: s, runner: runner, store: store, ws: ws}
}

func (e *testEnv) transition(t *testing.T, to, task string) *Result {
	t.Helper()
	r, err := e.session.Transition(context.Background(), TransitionRequest{To: to, Task: task, Summary: "moving to " + to})
	require.NoError(t, err)
	return r
}

func (e *testEnv) persisted(t *testing.T) *models.Ledger {
	t.Helper()
	l, err := e.store.Load(e.session.ID())
	require.NoError(t, err)
	return l
}

func timeoutResult() agent.Result {
	return agent.Result{Output: "partial work", ExitCode: agent.ExitTimeout, Elapsed: 100 * time.Millisecond, TokensUsed: 5, Killed: true, TimedOut: true}
}
