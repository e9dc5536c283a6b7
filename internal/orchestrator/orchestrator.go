// Package orchestrator drives a workflow ledger through its state graph,
// one agent run per transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/chronicle/internal/agent"
	"github.com/mpataki/chronicle/internal/log"
	"github.com/mpataki/chronicle/internal/models"
	"github.com/mpataki/chronicle/internal/storage"
	"github.com/mpataki/chronicle/internal/workspace"
)

var ErrNoSession = errors.New("no such session")

// ErrAgentRunning rejects writes to a ledger whose agent is still running
// under another session; that session saves its own copy when the run ends.
var ErrAgentRunning = errors.New("an agent is running for this session")

const (
	// MaxPairTransitions is how many times one directed pair of states may
	// be taken before the session is handed to a human.
	MaxPairTransitions = 3

	// ImplementationState gets the approval-loop retry.
	ImplementationState = "implementation"
	// TerminalState always completes the workflow.
	TerminalState = "done"

	DefaultTimeout = 15 * time.Minute
)

// AgentRunner runs one agent process at a time. *agent.Runner implements it.
type AgentRunner interface {
	Run(ctx context.Context, spec agent.Spec, task string, timeout time.Duration, cb agent.Callbacks) agent.Result
	Kill() bool
}

// Approver answers yes/no gate prompts.
type Approver interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// Questioner answers questions asked by a running agent.
type Questioner interface {
	Answer(ctx context.Context, state string, q models.AgentQuestion) (string, error)
}

// Orchestrator holds what every session shares: storage, the workspace
// layout, gates and agent defaults. Per-ledger state lives in Session.
type Orchestrator struct {
	store      storage.Store
	ws         *workspace.Workspace
	newRunner  func() AgentRunner
	resolver   Resolver
	approver   Approver
	questioner Questioner
	observer   Observer

	settings string
	model    string
	timeout  time.Duration
	now      func() time.Time
	newID    func() string
	alive    func(pid int) bool

	// running maps ledger IDs to the session whose transition is in progress.
	running sync.Map
}

type Option func(*Orchestrator)

func WithResolver(r Resolver) Option     { return func(o *Orchestrator) { o.resolver = r } }
func WithApprover(a Approver) Option     { return func(o *Orchestrator) { o.approver = a } }
func WithQuestioner(q Questioner) Option { return func(o *Orchestrator) { o.questioner = q } }
func WithObserver(fn Observer) Option    { return func(o *Orchestrator) { o.observer = fn } }

// WithSettings sets the project settings block prepended to every context.
func WithSettings(text string) Option { return func(o *Orchestrator) { o.settings = text } }

// WithModel sets the model used when an agent does not override it.
func WithModel(m string) Option { return func(o *Orchestrator) { o.model = m } }

// WithTimeout sets the timeout for states that do not declare one.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func New(store storage.Store, ws *workspace.Workspace, newRunner func() AgentRunner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		ws:        ws,
		newRunner: newRunner,
		resolver:  &CatalogResolver{},
		timeout:   DefaultTimeout,
		now:       time.Now,
		newID:     func() string { return uuid.NewString()[:8] },
		alive:     agent.ProcessAlive,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start creates and persists a new ledger at the workflow's initial state.
// No agent runs until the first Transition.
func (o *Orchestrator) Start(def *models.WorkflowDefinition, workflowPath, task string) (*Session, error) {
	if def.State(def.Initial) == nil {
		return nil, fmt.Errorf("workflow %q: initial state %q is not defined", def.Name, def.Initial)
	}
	l := models.NewLedger(o.newID(), def, task, o.now())
	l.WorkflowPath = workflowPath
	if err := o.store.Save(l); err != nil {
		return nil, fmt.Errorf("failed to save ledger: %w", err)
	}
	log.Info(log.CatOrch, "Started workflow", "id", l.ID, "workflow", def.Name, "initial", def.Initial)
	return o.session(l), nil
}

// Resume loads an existing ledger. A corrupt ledger is an error, never an
// empty session.
func (o *Orchestrator) Resume(id string) (*Session, error) {
	l, err := o.store.Load(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	if err != nil {
		return nil, err
	}
	if l.Workflow == nil {
		return nil, fmt.Errorf("%w: ledger %s has no workflow definition", storage.ErrCorrupt, id)
	}
	return o.session(l), nil
}

// Latest resumes the most recently updated session.
func (o *Orchestrator) Latest() (*Session, error) {
	ledgers, err := o.store.List()
	if err != nil {
		return nil, err
	}
	if len(ledgers) == 0 {
		return nil, ErrNoSession
	}
	return o.Resume(ledgers[0].ID)
}

func (o *Orchestrator) List() ([]*models.Ledger, error) {
	return o.store.List()
}

func (o *Orchestrator) session(l *models.Ledger) *Session {
	return &Session{orch: o, ledger: l, runner: o.newRunner()}
}

// checkIdle refuses l while a transition for it is running in another
// session of this process, or its recorded agent is alive in another process.
func (o *Orchestrator) checkIdle(s *Session, l *models.Ledger) error {
	if owner, ok := o.running.Load(l.ID); ok && owner != s {
		return fmt.Errorf("%w: %s", ErrAgentRunning, l.ID)
	}
	if l.InFlight && l.ActivePID != 0 && o.alive(l.ActivePID) {
		return fmt.Errorf("%w: %s (agent pid %d)", ErrAgentRunning, l.ID, l.ActivePID)
	}
	return nil
}

func (o *Orchestrator) emit(ev Event) {
	if o.observer != nil {
		o.observer(ev)
	}
}

func (o *Orchestrator) confirm(ctx context.Context, prompt string) (bool, error) {
	if o.approver == nil {
		return true, nil
	}
	return o.approver.Confirm(ctx, prompt)
}
