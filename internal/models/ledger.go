package models

import (
	"maps"
	"slices"
	"time"
)

type Status string

const (
	StatusRunning           Status = "running"
	StatusPaused            Status = "paused"
	StatusDone              Status = "done"
	StatusHumanIntervention Status = "human_intervention"
)

// Ledger is the durable record of one workflow run.
type Ledger struct {
	ID               string              `json:"id"`
	WorkflowName     string              `json:"workflowName"`
	WorkflowPath     string              `json:"workflowPath,omitempty"`
	Workflow         *WorkflowDefinition `json:"workflowDef"`
	Created          time.Time           `json:"created"`
	LastUpdated      time.Time           `json:"lastUpdated"`
	CurrentState     string              `json:"currentState"`
	CurrentStateTask string              `json:"currentStateTask"`
	InitialTask      string              `json:"initialTask"`
	History          []StateRecord       `json:"history"`
	Snapshot         Snapshot            `json:"snapshot"`
	TransitionCounts map[string]int      `json:"transitionCounts"`
	TotalTokens      int                 `json:"totalTokens"`
	TotalElapsedMs   int64               `json:"totalElapsed"`
	Status           Status              `json:"status"`

	// InFlight is true between the pre-spawn save and the end of the run.
	InFlight  bool `json:"inFlight,omitempty"`
	ActivePID int  `json:"activePid,omitempty"`
}

// NewLedger creates a ledger positioned at the workflow's initial state.
func NewLedger(id string, def *WorkflowDefinition, initialTask string, now time.Time) *Ledger {
	return &Ledger{
		ID:               id,
		WorkflowName:     def.Name,
		Workflow:         def,
		Created:          now,
		LastUpdated:      now,
		CurrentState:     def.Initial,
		InitialTask:      initialTask,
		History:          []StateRecord{},
		Snapshot:         NewSnapshot(),
		TransitionCounts: map[string]int{},
		Status:           StatusRunning,
	}
}

// TransitionKey is the anti-loop counter key for a directed pair of states.
func TransitionKey(from, to string) string {
	return from + "->" + to
}

// TotalElapsed returns the accumulated agent run time.
func (l *Ledger) TotalElapsed() time.Duration {
	return time.Duration(l.TotalElapsedMs) * time.Millisecond
}

// Clone returns a deep copy. The workflow definition is shared since it is
// never mutated after load.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return nil
	}
	c := *l
	c.History = slices.Clone(l.History)
	c.TransitionCounts = maps.Clone(l.TransitionCounts)
	c.Snapshot = l.Snapshot.Clone()
	return &c
}

// Normalize fills nil collections left by older or hand-written ledger files.
func (l *Ledger) Normalize() {
	if l.History == nil {
		l.History = []StateRecord{}
	}
	if l.TransitionCounts == nil {
		l.TransitionCounts = map[string]int{}
	}
	l.Snapshot.normalize()
}
