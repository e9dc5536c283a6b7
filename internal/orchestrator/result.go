package orchestrator

import (
	"time"
	"unicode/utf8"

	"github.com/mpataki/chronicle/internal/models"
)

// Outcome classifies how a transition ended.
type Outcome string

const (
	OutcomeInvalid      Outcome = "invalid"
	OutcomeLoopDetected Outcome = "loop_detected"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeTimedOut     Outcome = "timed_out"
	OutcomeBlocked      Outcome = "blocked"
	OutcomeDeferred     Outcome = "deferred"
	OutcomeDone         Outcome = "done"
	OutcomeError        Outcome = "error"
)

// NextStep is an action the operator can take after a transition.
type NextStep string

const (
	StepRetry    NextStep = "retry"
	StepSkip     NextStep = "skip"
	StepRoute    NextStep = "route"
	StepOverride NextStep = "override"
	StepAbort    NextStep = "abort"
)

// Result describes a finished transition request. Every failure mode of a
// transition is reported here rather than as an error.
type Result struct {
	Outcome   Outcome
	State     string
	Status    models.Status
	Agent     string
	Elapsed   time.Duration
	Tokens    int
	ExitCode  int
	Output    string
	Message   string
	NextSteps []NextStep
	// Routes lists correction states offered after a block.
	Routes []string
}

// StatusReport is a read-only view of a session.
type StatusReport struct {
	Ledger  *models.Ledger
	Next    []string
	Running bool
}

const (
	maxDisplayOutput = 8000
	previewLen       = 300
	blockExcerptLen  = 2000
	partialLen       = 1200
)

// truncateDisplay bounds output shown to the operator.
func truncateDisplay(s string) string {
	if len(s) <= maxDisplayOutput {
		return s
	}
	return clip(s, maxDisplayOutput) + "\n\n... [truncated]"
}

// clip cuts s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
