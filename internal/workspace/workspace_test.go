package workspace

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mpataki/chronicle/internal/ipc"
)

func TestCreate_Layout(t *testing.T) {
	base := t.TempDir()
	w, err := Create(base)
	require.NoError(t, err)

	require.DirExists(t, w.SessionsDir)
	require.DirExists(t, w.IPCDir)
	require.FileExists(t, w.SkillPath())

	skill, err := os.ReadFile(w.SkillPath())
	require.NoError(t, err)
	require.Contains(t, string(skill), "chronicle ask")
}

func TestContextFile_WriteAndRemove(t *testing.T) {
	w, err := Create(t.TempDir())
	require.NoError(t, err)

	path, err := w.WriteContext("abc", "plan-review", "## Your Task\nreview")
	require.NoError(t, err)
	require.Equal(t, w.ContextPath("abc", "plan-review"), path)

	require.NoError(t, ipc.WriteAnswer(w.AnswerPath("abc", "plan-review"), "yes"))

	w.RemoveRunFiles("abc", "plan-review")
	require.NoFileExists(t, path)
	require.NoFileExists(t, w.AnswerPath("abc", "plan-review"))

	// Removing again is a no-op.
	w.RemoveRunFiles("abc", "plan-review")
}
