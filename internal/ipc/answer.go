package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

const (
	EnvSessionDir = "CHRONICLE_SESS_DIR"
	EnvLedgerID   = "CHRONICLE_LEDGER_ID"
	EnvState      = "CHRONICLE_STATE"

	DefaultPollInterval = 400 * time.Millisecond
	DefaultMaxWait      = 10 * time.Minute
)

// Answer is the body of an answer file.
type Answer struct {
	Answer string `json:"answer"`
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func fileKey(ledgerID, state string) string {
	return unsafeName.ReplaceAllString(ledgerID, "_") + "-" + unsafeName.ReplaceAllString(state, "_")
}

// AnswerFileName is the answer file for a (session, state) pair.
func AnswerFileName(ledgerID, state string) string {
	return "answer-" + fileKey(ledgerID, state) + ".json"
}

// ContextFileName is the context handoff file for a (session, state) pair.
func ContextFileName(ledgerID, state string) string {
	return "ctx-" + fileKey(ledgerID, state) + ".md"
}

// WriteAnswer writes the answer file atomically so a polling reader never
// sees a partial document.
func WriteAnswer(path, answer string) error {
	data, err := json.Marshal(Answer{Answer: answer})
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// ReadAnswer reads and removes an answer file. A missing or malformed file
// reports ok=false so the caller keeps polling.
func ReadAnswer(path string) (answer string, ok bool) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is derived from the session dir
	if err != nil {
		return "", false
	}
	var a Answer
	if err := json.Unmarshal(data, &a); err != nil {
		return "", false
	}
	_ = os.Remove(path)
	return a.Answer, true
}

// ErrAnswerTimeout is returned by PollAnswer when maxWait elapses.
var ErrAnswerTimeout = errors.New("no answer received")

// PollAnswer waits for the answer file at path, checking every interval for
// at most maxWait.
func PollAnswer(ctx context.Context, path string, interval, maxWait time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if answer, ok := ReadAnswer(path); ok {
			return answer, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", ErrAnswerTimeout
			}
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
