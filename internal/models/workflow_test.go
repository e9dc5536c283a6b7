package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStateDefinition_Defaults(t *testing.T) {
	s := &StateDefinition{}
	require.Equal(t, ApprovalPre, s.Mode())
	require.Equal(t, 15*time.Minute, s.Timeout(15*time.Minute))
	require.True(t, s.IsTerminal())

	s = &StateDefinition{ApprovalMode: ApprovalPost, TimeoutMinutes: 2, Next: []string{"done"}}
	require.Equal(t, ApprovalPost, s.Mode())
	require.Equal(t, 2*time.Minute, s.Timeout(15*time.Minute))
	require.False(t, s.IsTerminal())
}

func TestNewLedger(t *testing.T) {
	def := &WorkflowDefinition{Name: "Feature", Initial: "planning"}
	l := NewLedger("abc", def, "build it", testTime)

	require.Equal(t, "planning", l.CurrentState)
	require.Equal(t, StatusRunning, l.Status)
	require.Equal(t, "Feature", l.WorkflowName)
	require.Empty(t, l.History)
	require.NotNil(t, l.TransitionCounts)
	require.Equal(t, "planning->review", TransitionKey("planning", "review"))
}
