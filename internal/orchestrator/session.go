package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mpataki/chronicle/internal/agent"
	"github.com/mpataki/chronicle/internal/ipc"
	"github.com/mpataki/chronicle/internal/log"
	"github.com/mpataki/chronicle/internal/models"
	"github.com/mpataki/chronicle/internal/verdict"
)

// Session drives one ledger. Transitions are serialized; Status, Kill and
// UpdateSnapshot may be called from other goroutines.
type Session struct {
	orch   *Orchestrator
	runner AgentRunner

	mu     sync.Mutex
	ledger *models.Ledger
	busy   atomic.Bool
}

// TransitionRequest asks the session to run state To with Task. Summary is
// the caller's account of the state being left.
type TransitionRequest struct {
	To      string
	Task    string
	Summary string
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.ID
}

// Status returns a snapshot of the ledger and the states reachable from the
// current one. It never mutates the session.
func (s *Session) Status() StatusReport {
	s.mu.Lock()
	l := s.ledger.Clone()
	s.mu.Unlock()

	var next []string
	if sd := l.Workflow.State(l.CurrentState); sd != nil {
		next = slices.Clone(sd.Next)
	}
	return StatusReport{Ledger: l, Next: next, Running: s.busy.Load()}
}

// UpdateSnapshot merges u into the ledger snapshot and persists it.
func (s *Session) UpdateSnapshot(u models.SnapshotUpdate) error {
	if u.IsEmpty() {
		return nil
	}
	return s.mutate(func(l *models.Ledger) { l.Snapshot.Merge(u) })
}

// Escalate hands the session to a human and records why.
func (s *Session) Escalate(reason string) error {
	err := s.mutate(func(l *models.Ledger) {
		l.Status = models.StatusHumanIntervention
		l.Snapshot.Merge(models.SnapshotUpdate{PendingTasks: []string{"[Escalated] " + reason}})
	})
	if err == nil {
		log.Warn(log.CatOrch, "Session escalated", "id", s.ID(), "reason", reason)
		s.emitStatus()
	}
	return err
}

// Kill stops the running agent, if any.
func (s *Session) Kill() bool {
	return s.runner.Kill()
}

// InFlight reports whether the ledger records an agent run that never
// finished, typically because the orchestrator crashed.
func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.InFlight && !s.busy.Load()
}

// ResumeInFlight re-issues the interrupted state's task as a fresh run.
func (s *Session) ResumeInFlight(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	state, task := s.ledger.CurrentState, s.ledger.CurrentStateTask
	s.mu.Unlock()
	return s.Transition(ctx, TransitionRequest{To: state, Task: task, Summary: "Resumed after an interrupted run."})
}

// mutate applies fn to the ledger and saves it. Outside a transition the
// ledger is reloaded first so writes made by other sessions survive.
func (s *Session) mutate(fn func(l *models.Ledger)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.busy.Load() {
		if err := s.syncLocked(); err != nil {
			return err
		}
	}
	fn(s.ledger)
	return s.saveLocked()
}

// syncLocked replaces the in-memory ledger with the stored one. It fails
// with ErrAgentRunning while another session owns the ledger.
func (s *Session) syncLocked() error {
	fresh, err := s.orch.store.Load(s.ledger.ID)
	if err != nil {
		return fmt.Errorf("failed to reload ledger: %w", err)
	}
	if err := s.orch.checkIdle(s, fresh); err != nil {
		return err
	}
	if fresh.Workflow == nil {
		fresh.Workflow = s.ledger.Workflow
	}
	s.ledger = fresh
	return nil
}

func (s *Session) saveLocked() error {
	if err := s.orch.store.Save(s.ledger); err != nil {
		log.ErrorErr(log.CatOrch, "Failed to persist ledger", err, "id", s.ledger.ID)
		return fmt.Errorf("failed to save ledger: %w", err)
	}
	return nil
}

func (s *Session) emitStatus() {
	s.mu.Lock()
	ev := Event{Kind: EventStatus, LedgerID: s.ledger.ID, State: s.ledger.CurrentState, Status: s.ledger.Status}
	s.mu.Unlock()
	s.orch.emit(ev)
}

// Transition runs the agent for req.To and folds its outcome into the
// ledger. Policy outcomes (invalid target, loop, timeout, block) come back
// in Result; the error is reserved for persistence failures.
func (s *Session) Transition(ctx context.Context, req TransitionRequest) (*Result, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return &Result{Outcome: OutcomeInvalid, State: req.To, Message: "A transition is already running for this session."}, nil
	}
	defer s.busy.Store(false)

	id := s.ID()
	if _, loaded := s.orch.running.LoadOrStore(id, s); loaded {
		return agentRunning(id, req), nil
	}
	defer s.orch.running.CompareAndDelete(id, s)

	ctx, span := otel.Tracer("chronicle/orchestrator").Start(ctx, "transition")
	defer span.End()

	s.mu.Lock()
	if err := s.syncLocked(); err != nil {
		s.mu.Unlock()
		if errors.Is(err, ErrAgentRunning) {
			return agentRunning(id, req), nil
		}
		return nil, err
	}
	l := s.ledger
	def := l.Workflow
	from := l.CurrentState
	span.SetAttributes(attribute.String("ledger.id", l.ID), attribute.String("from", from), attribute.String("to", req.To))

	target := def.State(req.To)
	if target == nil {
		s.mu.Unlock()
		names := make([]string, 0, len(def.States))
		for name := range def.States {
			names = append(names, name)
		}
		slices.Sort(names)
		return &Result{
			Outcome: OutcomeInvalid,
			State:   req.To,
			Status:  l.Status,
			Message: fmt.Sprintf("Unknown state %q. Available: %s", req.To, strings.Join(names, ", ")),
		}, nil
	}

	key := models.TransitionKey(from, req.To)
	count := l.TransitionCounts[key] + 1
	if count > MaxPairTransitions {
		l.TransitionCounts[key] = count
		l.Status = models.StatusHumanIntervention
		err := s.saveLocked()
		s.mu.Unlock()
		log.Warn(log.CatOrch, "Anti-loop triggered", "id", l.ID, "pair", key, "count", count)
		s.emitStatus()
		if err != nil {
			return nil, err
		}
		return &Result{
			Outcome:   OutcomeLoopDetected,
			State:     from,
			Status:    models.StatusHumanIntervention,
			Message:   fmt.Sprintf("Anti-loop triggered: %q has cycled %d times. Workflow paused for a human decision. Try a different next state or end the workflow.", key, count),
			NextSteps: []NextStep{StepRoute, StepAbort},
		}, nil
	}
	s.mu.Unlock()

	if target.RequiresApproval && target.Mode() == models.ApprovalPre {
		prompt := fmt.Sprintf("Approve transition to %q?", DisplayName(req.To))
		if target.Agent != "" {
			prompt = fmt.Sprintf("Approve transition to %q (agent: %s)?", DisplayName(req.To), target.Agent)
		}
		ok, err := s.orch.confirm(ctx, prompt)
		if err != nil || !ok {
			if err != nil {
				log.Warn(log.CatOrch, "Approval prompt failed", "error", err)
			}
			return &Result{
				Outcome: OutcomeCancelled,
				State:   from,
				Status:  s.Status().Ledger.Status,
				Message: fmt.Sprintf("Transition to %q cancelled.", req.To),
			}, nil
		}
	}

	resolved := s.orch.resolver.Resolve(def, req.To, target)
	if s.orch.ws != nil {
		resolved.Skills = append(resolved.Skills, s.orch.ws.SkillDir())
	}
	model := resolved.Model
	if model == "" {
		model = s.orch.model
	}

	// The run must be durable before the agent starts so a crash resumes
	// into the same task.
	s.mu.Lock()
	prevState, prevTask := l.CurrentState, l.CurrentStateTask
	l.TransitionCounts[key] = count
	l.CurrentState = req.To
	l.CurrentStateTask = req.Task
	l.Status = models.StatusRunning
	l.InFlight = true
	ctxText := renderContext(s.orch.settings, l, req.To, target, req.Task)
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	log.Info(log.CatOrch, "Transition", "id", id, "from", from, "to", req.To, "agent", resolved.Name)
	s.orch.emit(Event{Kind: EventRunning, LedgerID: id, State: req.To, Agent: resolved.Name, Status: models.StatusRunning})

	startedAt := s.orch.now()
	timeout := target.Timeout(s.orch.timeout)
	res := s.runAgent(ctx, id, req.To, resolved, model, ctxText, req.Task, timeout)

	if req.To == ImplementationState && res.ExitCode == 0 && verdict.IsExecutionApprovalLoop(res.Output) {
		log.Warn(log.CatOrch, "Execution-approval loop detected, retrying once", "id", id)
		s.orch.emit(Event{Kind: EventProgress, LedgerID: id, State: req.To, Agent: resolved.Name, Line: "Detected execution-approval loop. Retrying with tool-first override."})
		retry := s.runAgent(ctx, id, req.To, resolved, model, ctxText+"\n\n"+executionOverride, req.Task, timeout)
		retry.Elapsed += res.Elapsed
		retry.TokensUsed += res.TokensUsed
		res = retry
	}

	s.mu.Lock()
	l.TotalTokens += res.TokensUsed
	l.TotalElapsedMs += res.Elapsed.Milliseconds()
	l.InFlight = false
	l.ActivePID = 0
	s.mu.Unlock()

	base := Result{
		State:    req.To,
		Agent:    resolved.Name,
		Elapsed:  res.Elapsed,
		Tokens:   res.TokensUsed,
		ExitCode: res.ExitCode,
	}

	if res.ExitCode == agent.ExitTimeout {
		return s.pauseOnTimeout(base, res, prevState, prevTask, timeout)
	}

	// A run that failed to produce output has no verdict; it is recorded as
	// an error below.
	if target.RequiresApproval && target.Mode() == models.ApprovalPost && res.ExitCode == 0 {
		v := verdict.Detect(res.Output)
		span.SetAttributes(attribute.String("verdict", string(v.Verdict)), attribute.String("verdict.source", string(v.Source)))
		if v.Verdict == verdict.Block {
			return s.pauseOnBlock(base, res, target, v)
		}
		ok, err := s.orch.confirm(ctx, fmt.Sprintf("%s approved. Proceed?", DisplayName(req.To)))
		if err != nil || !ok {
			return s.pause(base, OutcomeDeferred,
				fmt.Sprintf("Proceeding deferred. Workflow paused at %s before it was accepted. Transition back to planning or any review state.", DisplayName(req.To)),
				[]NextStep{StepRoute, StepRetry, StepAbort}, res.Output)
		}
	}

	record := models.StateRecord{
		State:         req.To,
		Agent:         resolved.Name,
		Model:         model,
		StartedAt:     startedAt,
		CompletedAt:   s.orch.now(),
		Summary:       req.Summary,
		TokensUsed:    res.TokensUsed,
		ElapsedMs:     res.Elapsed.Milliseconds(),
		TaskGiven:     req.Task,
		OutputPreview: clip(res.Output, previewLen),
		ExitCode:      res.ExitCode,
	}

	s.mu.Lock()
	l.History = append(l.History, record)
	if target.IsTerminal() || req.To == TerminalState {
		l.Status = models.StatusDone
	}
	base.Status = l.Status
	err = s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	base.Outcome = OutcomeDone
	label := "done"
	if res.ExitCode != 0 {
		base.Outcome = OutcomeError
		base.NextSteps = []NextStep{StepRetry, StepSkip, StepAbort}
		label = fmt.Sprintf("error (exit %d)", res.ExitCode)
	}
	base.Output = truncateDisplay(res.Output)
	base.Message = fmt.Sprintf("[%s] %s [%s] %s in %s · %d tokens",
		l.WorkflowName, DisplayName(req.To), resolved.Name, label, FormatElapsed(res.Elapsed), res.TokensUsed)
	s.finished(&base)
	return &base, nil
}

func (s *Session) runAgent(ctx context.Context, id, state string, ra ResolvedAgent, model, ctxText, task string, timeout time.Duration) agent.Result {
	spec := agent.Spec{
		Identity: ra.Name,
		Model:    model,
		Tools:    ra.Tools,
		Persona:  ra.Persona,
		Skills:   ra.Skills,
		LedgerID: id,
		State:    state,
	}
	if ws := s.orch.ws; ws != nil {
		path, err := ws.WriteContext(id, state, ctxText)
		if err != nil {
			return agent.Result{Output: "Error spawning agent: " + err.Error(), ExitCode: 1}
		}
		defer ws.RemoveRunFiles(id, state)
		spec.ContextFile = path
		spec.SessionDir = ws.IPCDir
	}

	cb := agent.Callbacks{
		Progress: func(line string) {
			s.orch.emit(Event{Kind: EventProgress, LedgerID: id, State: state, Agent: ra.Name, Line: line})
		},
		Question: func(ctx context.Context, q models.AgentQuestion) (string, error) {
			s.orch.emit(Event{Kind: EventQuestion, LedgerID: id, State: state, Agent: ra.Name, Question: &q})
			if s.orch.questioner == nil {
				return ipc.NoUIAnswer, nil
			}
			return s.orch.questioner.Answer(ctx, state, q)
		},
		Started: func(pid int) {
			// Recorded for kill from another process; a failed save is
			// only logged since the run itself is unaffected.
			_ = s.mutate(func(l *models.Ledger) { l.ActivePID = pid })
		},
	}
	return s.runner.Run(ctx, spec, task, timeout, cb)
}

func (s *Session) pauseOnTimeout(base Result, res agent.Result, prevState, prevTask string, timeout time.Duration) (*Result, error) {
	partial := strings.TrimSpace(clip(res.Output, partialLen))
	s.mu.Lock()
	// The state never ran to completion, so the ledger goes back to where
	// the call found it.
	s.ledger.CurrentState = prevState
	s.ledger.CurrentStateTask = prevTask
	if partial != "" {
		s.ledger.Snapshot.AddFinding(fmt.Sprintf("[Partial – %s timed out] %s", DisplayName(base.State), partial))
	}
	s.mu.Unlock()

	msg := fmt.Sprintf("%s [%s] timed out after %s. The workflow is PAUSED; the state was not advanced.", DisplayName(base.State), base.Agent, FormatElapsed(timeout))
	if partial != "" {
		msg += " Partial output was saved to the snapshot."
	} else {
		msg += " No output was captured before the timeout."
	}
	msg += " Retry runs the state again, skip records a note and moves on, abort ends the workflow."
	return s.pause(base, OutcomeTimedOut, msg, []NextStep{StepRetry, StepSkip, StepAbort}, res.Output)
}

func (s *Session) pauseOnBlock(base Result, res agent.Result, target *models.StateDefinition, v verdict.Result) (*Result, error) {
	var routes []string
	for _, n := range target.Next {
		if n != ImplementationState && n != TerminalState {
			routes = append(routes, n)
		}
	}
	msg := fmt.Sprintf("%s issued a BLOCK (verdict source: %s). Do not proceed. Route back to address the corrections, override explicitly, or abort.", DisplayName(base.State), v.Source)
	if len(routes) > 0 {
		msg += " Available correction routes: " + strings.Join(routes, ", ") + "."
	}
	r, err := s.pause(base, OutcomeBlocked, msg, []NextStep{StepRoute, StepOverride, StepAbort}, clip(res.Output, blockExcerptLen))
	if r != nil {
		r.Routes = routes
	}
	return r, err
}

// pause stops the session without recording a history entry. The ledger
// stays at base.State so its routes are what Status offers next.
func (s *Session) pause(base Result, outcome Outcome, msg string, steps []NextStep, output string) (*Result, error) {
	s.mu.Lock()
	s.ledger.Status = models.StatusPaused
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	log.Info(log.CatOrch, "Session paused", "state", base.State, "outcome", outcome)

	base.Outcome = outcome
	base.Status = models.StatusPaused
	base.Message = msg
	base.NextSteps = steps
	base.Output = truncateDisplay(output)
	s.finished(&base)
	return &base, nil
}

func agentRunning(id string, req TransitionRequest) *Result {
	return &Result{
		Outcome: OutcomeInvalid,
		State:   req.To,
		Message: fmt.Sprintf("Session %s has an agent running. Wait for it to finish or kill it first.", id),
	}
}

func (s *Session) finished(r *Result) {
	s.orch.emit(Event{Kind: EventFinished, LedgerID: s.ID(), State: r.State, Agent: r.Agent, Status: r.Status, Result: r})
}
