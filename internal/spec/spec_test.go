package spec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mpataki/chronicle/internal/models"
)

const featureYAML = `
name: feature
description: Plan, review, build
initial: planning
agents:
  planner:
    tools: read,grep
    system_prompt: You plan.
states:
  planning:
    description: Write a plan
    agent: planner
    next: [plan-review]
  plan-review:
    description: Review the plan
    persona: You are a strict reviewer.
    requires_approval: true
    approval_mode: post
    timeout_minutes: 5
    next: [planning, implementation]
  implementation:
    description: Build it
    agent: coder
    extra_skills: [tdd]
    next: [done]
  done:
    description: Finished
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParse_YAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "feature.yaml", featureYAML)

	def, err := Parse(path)
	require.NoError(t, err)
	require.NoError(t, Validate(def))

	require.Equal(t, "feature", def.Name)
	require.Equal(t, "planning", def.Initial)
	review := def.States["plan-review"]
	require.True(t, review.RequiresApproval)
	require.Equal(t, models.ApprovalPost, review.Mode())
	require.Equal(t, 5, review.TimeoutMinutes)
	require.Equal(t, []string{"planning", "implementation"}, review.Next)
	require.Equal(t, []string{"tdd"}, def.States["implementation"].ExtraSkills)
	require.Equal(t, "planner", def.Agents["planner"].Name)
	require.True(t, def.States["done"].IsTerminal())
}

func TestParse_JSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bugfix.json", `{"initial": "fix", "states": {"fix": {"description": "Fix", "next": []}}}`)

	def, err := Parse(path)
	require.NoError(t, err)
	require.Equal(t, "bugfix", def.Name, "name falls back to the file name")
	require.NoError(t, Validate(def))
}

func TestValidate(t *testing.T) {
	valid := func() *models.WorkflowDefinition {
		return &models.WorkflowDefinition{
			Name:    "wf",
			Initial: "a",
			States: map[string]*models.StateDefinition{
				"a": {Next: []string{"b"}},
				"b": {},
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(*models.WorkflowDefinition)
	}{
		{"no name", func(d *models.WorkflowDefinition) { d.Name = "" }},
		{"no states", func(d *models.WorkflowDefinition) { d.States = nil }},
		{"missing initial", func(d *models.WorkflowDefinition) { d.Initial = "zzz" }},
		{"unknown next", func(d *models.WorkflowDefinition) { d.States["a"].Next = []string{"c"} }},
		{"duplicate next", func(d *models.WorkflowDefinition) { d.States["a"].Next = []string{"b", "b"} }},
		{"bad approval mode", func(d *models.WorkflowDefinition) { d.States["a"].ApprovalMode = "later" }},
		{"negative timeout", func(d *models.WorkflowDefinition) { d.States["b"].TimeoutMinutes = -1 }},
	}

	require.NoError(t, Validate(valid()))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid()
			tt.mutate(d)
			require.ErrorIs(t, Validate(d), ErrInvalid)
		})
	}
}

func TestLoadAll_FirstDirWins(t *testing.T) {
	project := t.TempDir()
	user := t.TempDir()
	writeFile(t, project, "feature.yaml", featureYAML)
	writeFile(t, user, "feature.yml", "name: feature\ninitial: x\nstates:\n  x: {}\n")
	writeFile(t, user, "notes.txt", "ignored")

	defs, paths, err := LoadAll([]string{project, user, filepath.Join(user, "missing")})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.Equal(t, "planning", defs["feature"].Initial)
	require.Equal(t, filepath.Join(project, "feature.yaml"), paths["feature"])
	require.Equal(t, []string{"feature"}, Names(defs))
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "feature.yaml", featureYAML)

	def, got, err := Find(path, nil)
	require.NoError(t, err)
	require.Equal(t, path, got)
	require.Equal(t, "feature", def.Name)

	def, got, err = Find("feature", []string{dir})
	require.NoError(t, err)
	require.Equal(t, path, got)
	require.Equal(t, "feature", def.Name)

	_, _, err = Find("nope", []string{dir})
	require.Error(t, err)
}

func TestParseAgentFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "reviewer.md", "---\nname: Reviewer\ndescription: Reviews plans\ntools: read,grep\nskills: security, go-style\nmodel: opus\n---\nYou review plans carefully.\n")

	a, err := ParseAgentFile(path)
	require.NoError(t, err)
	require.Equal(t, "Reviewer", a.Name)
	require.Equal(t, []string{"security", "go-style"}, a.Skills)
	require.Equal(t, "opus", a.Model)
	require.Equal(t, "You review plans carefully.", a.SystemPrompt)

	writeFile(t, dir, "listed.md", "---\nname: coder\nskills:\n  - tdd\n  - git\n---\nBuild.")
	writeFile(t, dir, "broken.md", "no frontmatter here")

	agents := LoadAgents([]string{dir, filepath.Join(dir, "missing")})
	require.Len(t, agents, 2)
	require.Equal(t, []string{"tdd", "git"}, agents["coder"].Skills)
	require.Contains(t, agents, "reviewer")
}
