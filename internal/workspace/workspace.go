package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mpataki/chronicle/internal/ipc"
	"github.com/mpataki/chronicle/internal/log"
)

// Workspace is the on-disk layout under the chronicle data dir: ledger
// documents in sessions/, transient handoff files in sessions/ipc/.
type Workspace struct {
	Path        string
	SessionsDir string
	IPCDir      string
}

func Create(baseDir string) (*Workspace, error) {
	w := Open(baseDir)

	for _, dir := range []string{w.SessionsDir, w.IPCDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := w.writeSkillFile(); err != nil {
		return nil, err
	}

	return w, nil
}

// Open returns the layout for baseDir without touching the filesystem.
func Open(baseDir string) *Workspace {
	sessions := filepath.Join(baseDir, "sessions")
	return &Workspace{
		Path:        baseDir,
		SessionsDir: sessions,
		IPCDir:      filepath.Join(sessions, "ipc"),
	}
}

func (w *Workspace) LedgerPath(id string) string {
	return filepath.Join(w.SessionsDir, id+".json")
}

func (w *Workspace) ContextPath(ledgerID, state string) string {
	return filepath.Join(w.IPCDir, ipc.ContextFileName(ledgerID, state))
}

func (w *Workspace) AnswerPath(ledgerID, state string) string {
	return filepath.Join(w.IPCDir, ipc.AnswerFileName(ledgerID, state))
}

// SkillDir holds the skill that teaches agents the ask protocol.
func (w *Workspace) SkillDir() string {
	return filepath.Join(w.IPCDir, "chronicle-ask")
}

func (w *Workspace) SkillPath() string {
	return filepath.Join(w.SkillDir(), "SKILL.md")
}

// WriteContext writes the rendered context for a state run and returns its path.
func (w *Workspace) WriteContext(ledgerID, state, content string) (string, error) {
	path := w.ContextPath(ledgerID, state)
	if err := os.MkdirAll(w.IPCDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create ipc directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return "", fmt.Errorf("failed to write context file: %w", err)
	}
	return path, nil
}

// RemoveRunFiles deletes the context and any unread answer file for a state
// run. Failures are logged and otherwise ignored.
func (w *Workspace) RemoveRunFiles(ledgerID, state string) {
	for _, path := range []string{w.ContextPath(ledgerID, state), w.AnswerPath(ledgerID, state)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn(log.CatIPC, "Failed to remove handoff file", "path", path, "error", err)
		}
	}
}

func (w *Workspace) writeSkillFile() error {
	path := w.SkillPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create skill directory: %w", err)
	}
	return os.WriteFile(path, []byte(skillContent), 0644)
}

const skillContent = `---
name: chronicle-ask
description: Ask the human operator a question while running inside a chronicle workflow.
---

# Asking the Operator

You are one state in a chronicle workflow. The operator can answer questions
while you run, but only one question is shown at a time.

## When to Ask

Ask only when a decision cannot be made from the task, the workflow history,
or the repository. Prefer acting on your best judgement.

## How to Ask

Run:

` + "```" + `
chronicle ask --question "Which database should the cache use?" --option postgres --option sqlite
` + "```" + `

Add ` + "`" + `--no-free-text` + "`" + ` when only the listed options are acceptable.
The command blocks until the operator answers and prints the answer.

If nobody answers within ten minutes the command prints a timeout notice.
Continue with your best judgement and mention the unanswered question in
your final output.
`
