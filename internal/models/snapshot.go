package models

import (
	"maps"
	"slices"
)

// Snapshot is the additive memory carried across every state of a run.
type Snapshot struct {
	KeyFindings   []string       `json:"keyFindings"`
	ModifiedFiles []string       `json:"modifiedFiles"`
	PendingTasks  []string       `json:"pendingTasks"`
	Custom        map[string]any `json:"custom"`
}

// SnapshotUpdate carries the optional parts of a snapshot merge.
type SnapshotUpdate struct {
	KeyFindings   []string
	ModifiedFiles []string
	PendingTasks  []string
	Custom        map[string]any
}

// IsEmpty reports whether the update would change nothing.
func (u SnapshotUpdate) IsEmpty() bool {
	return len(u.KeyFindings) == 0 && len(u.ModifiedFiles) == 0 &&
		len(u.PendingTasks) == 0 && len(u.Custom) == 0
}

func NewSnapshot() Snapshot {
	return Snapshot{
		KeyFindings:   []string{},
		ModifiedFiles: []string{},
		PendingTasks:  []string{},
		Custom:        map[string]any{},
	}
}

// Merge applies u without ever removing data: lists append, the file list
// behaves as an insertion-ordered set, and custom keys overwrite.
func (s *Snapshot) Merge(u SnapshotUpdate) {
	s.normalize()
	s.KeyFindings = append(s.KeyFindings, u.KeyFindings...)
	for _, f := range u.ModifiedFiles {
		if !slices.Contains(s.ModifiedFiles, f) {
			s.ModifiedFiles = append(s.ModifiedFiles, f)
		}
	}
	s.PendingTasks = append(s.PendingTasks, u.PendingTasks...)
	maps.Copy(s.Custom, u.Custom)
}

// AddFinding appends a single key finding.
func (s *Snapshot) AddFinding(f string) {
	s.Merge(SnapshotUpdate{KeyFindings: []string{f}})
}

func (s Snapshot) Clone() Snapshot {
	return Snapshot{
		KeyFindings:   slices.Clone(s.KeyFindings),
		ModifiedFiles: slices.Clone(s.ModifiedFiles),
		PendingTasks:  slices.Clone(s.PendingTasks),
		Custom:        maps.Clone(s.Custom),
	}
}

func (s *Snapshot) normalize() {
	if s.KeyFindings == nil {
		s.KeyFindings = []string{}
	}
	if s.ModifiedFiles == nil {
		s.ModifiedFiles = []string{}
	}
	if s.PendingTasks == nil {
		s.PendingTasks = []string{}
	}
	if s.Custom == nil {
		s.Custom = map[string]any{}
	}
}
