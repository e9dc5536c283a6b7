package models

import "time"

type ApprovalMode string

const (
	ApprovalPre  ApprovalMode = "pre"
	ApprovalPost ApprovalMode = "post"
)

// WorkflowDefinition is the immutable state graph of a workflow.
type WorkflowDefinition struct {
	Name        string                      `yaml:"name" json:"name"`
	Description string                      `yaml:"description" json:"description,omitempty"`
	Initial     string                      `yaml:"initial" json:"initial"`
	States      map[string]*StateDefinition `yaml:"states" json:"states"`
	Agents      map[string]*AgentDefinition `yaml:"agents,omitempty" json:"agents,omitempty"`
}

type StateDefinition struct {
	Description      string       `yaml:"description" json:"description"`
	Agent            string       `yaml:"agent,omitempty" json:"agent,omitempty"`
	Persona          string       `yaml:"persona,omitempty" json:"persona,omitempty"`
	Tools            string       `yaml:"tools,omitempty" json:"tools,omitempty"`
	ExtraSkills      []string     `yaml:"extra_skills,omitempty" json:"extra_skills,omitempty"`
	Next             []string     `yaml:"next" json:"next"`
	RequiresApproval bool         `yaml:"requires_approval,omitempty" json:"requires_approval,omitempty"`
	ApprovalMode     ApprovalMode `yaml:"approval_mode,omitempty" json:"approval_mode,omitempty"`
	TimeoutMinutes   int          `yaml:"timeout_minutes,omitempty" json:"timeout_minutes,omitempty"`
}

// AgentDefinition is a named agent persona from the workflow's catalog.
type AgentDefinition struct {
	Name         string   `yaml:"name" json:"name"`
	Description  string   `yaml:"description,omitempty" json:"description,omitempty"`
	Tools        string   `yaml:"tools,omitempty" json:"tools,omitempty"`
	Skills       []string `yaml:"skills,omitempty" json:"skills,omitempty"`
	Model        string   `yaml:"model,omitempty" json:"model,omitempty"`
	SystemPrompt string   `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
}

// Mode returns the approval mode, defaulting to pre.
func (s *StateDefinition) Mode() ApprovalMode {
	if s.ApprovalMode == "" {
		return ApprovalPre
	}
	return s.ApprovalMode
}

// Timeout returns the state's wall-clock limit, or fallback when unset.
func (s *StateDefinition) Timeout(fallback time.Duration) time.Duration {
	if s.TimeoutMinutes <= 0 {
		return fallback
	}
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

// IsTerminal reports whether the state has no outgoing transitions.
func (s *StateDefinition) IsTerminal() bool {
	return len(s.Next) == 0
}

// State returns the named state definition, or nil.
func (w *WorkflowDefinition) State(name string) *StateDefinition {
	if w == nil {
		return nil
	}
	return w.States[name]
}
