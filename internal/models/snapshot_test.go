package models

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSnapshotMerge_ListsAppend(t *testing.T) {
	s := NewSnapshot()
	s.Merge(SnapshotUpdate{KeyFindings: []string{"a"}, PendingTasks: []string{"t1"}})
	s.Merge(SnapshotUpdate{KeyFindings: []string{"a", "b"}, PendingTasks: []string{"t2"}})

	require.Equal(t, []string{"a", "a", "b"}, s.KeyFindings)
	require.Equal(t, []string{"t1", "t2"}, s.PendingTasks)
}

func TestSnapshotMerge_FilesUnion(t *testing.T) {
	s := NewSnapshot()
	s.Merge(SnapshotUpdate{ModifiedFiles: []string{"main.go", "go.mod"}})
	s.Merge(SnapshotUpdate{ModifiedFiles: []string{"main.go"}})

	require.Equal(t, []string{"main.go", "go.mod"}, s.ModifiedFiles)
}

func TestSnapshotMerge_CustomOverwritesByKey(t *testing.T) {
	s := NewSnapshot()
	s.Merge(SnapshotUpdate{Custom: map[string]any{"db": "postgres", "port": 5432}})
	s.Merge(SnapshotUpdate{Custom: map[string]any{"db": "sqlite"}})

	require.Equal(t, "sqlite", s.Custom["db"])
	require.Equal(t, 5432, s.Custom["port"])
}

func TestSnapshotMerge_ZeroValueSnapshot(t *testing.T) {
	var s Snapshot
	s.Merge(SnapshotUpdate{Custom: map[string]any{"k": true}})

	require.NotNil(t, s.KeyFindings)
	require.Equal(t, true, s.Custom["k"])
}

func TestSnapshotMerge_NeverShrinks(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewSnapshot()
		gen := rapid.SliceOfN(rapid.StringMatching(`[a-c]\.go`), 0, 5)
		for i := 0; i < rapid.IntRange(1, 6).Draw(t, "rounds"); i++ {
			before := s.Clone()
			u := SnapshotUpdate{
				KeyFindings:   gen.Draw(t, "findings"),
				ModifiedFiles: gen.Draw(t, "files"),
				PendingTasks:  gen.Draw(t, "tasks"),
			}
			s.Merge(u)

			if len(s.KeyFindings) != len(before.KeyFindings)+len(u.KeyFindings) {
				t.Fatalf("findings: got %d, want %d", len(s.KeyFindings), len(before.KeyFindings)+len(u.KeyFindings))
			}
			if len(s.ModifiedFiles) < len(before.ModifiedFiles) {
				t.Fatalf("modified files shrank from %d to %d", len(before.ModifiedFiles), len(s.ModifiedFiles))
			}
			seen := map[string]bool{}
			for _, f := range s.ModifiedFiles {
				if seen[f] {
					t.Fatalf("duplicate modified file %q", f)
				}
				seen[f] = true
			}
		}
	})
}

func TestLedgerClone_IsIndependent(t *testing.T) {
	def := &WorkflowDefinition{Name: "wf", Initial: "plan", States: map[string]*StateDefinition{"plan": {}}}
	l := NewLedger("id", def, "task", testTime)
	l.TransitionCounts["plan->plan"] = 1
	l.Snapshot.AddFinding("x")

	c := l.Clone()
	c.TransitionCounts["plan->plan"] = 5
	c.Snapshot.AddFinding("y")
	c.History = append(c.History, StateRecord{State: "plan"})

	require.Equal(t, 1, l.TransitionCounts["plan->plan"])
	require.Equal(t, []string{"x"}, l.Snapshot.KeyFindings)
	require.Empty(t, l.History)
}
