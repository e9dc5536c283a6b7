package models

import "time"

// StateRecord is one completed run of a workflow state. Records are never
// modified after they are appended to a ledger.
type StateRecord struct {
	State         string    `json:"state"`
	Agent         string    `json:"agentName"`
	Model         string    `json:"modelUsed,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	CompletedAt   time.Time `json:"completedAt"`
	Summary       string    `json:"summary"`
	TokensUsed    int       `json:"tokensUsed"`
	ElapsedMs     int64     `json:"elapsed"`
	TaskGiven     string    `json:"taskGiven"`
	OutputPreview string    `json:"outputPreview"`
	ExitCode      int       `json:"exitCode"`
}

// Elapsed returns the run duration.
func (r StateRecord) Elapsed() time.Duration {
	return time.Duration(r.ElapsedMs) * time.Millisecond
}

// Succeeded reports whether the agent exited cleanly.
func (r StateRecord) Succeeded() bool {
	return r.ExitCode == 0
}

// AgentQuestion is emitted by a running agent and answered exactly once.
type AgentQuestion struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	AllowFreeText bool     `json:"allowFreeText"`
}
