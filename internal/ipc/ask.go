package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mpataki/chronicle/internal/log"
	"github.com/mpataki/chronicle/internal/models"
)

const (
	// TimeoutFallback is returned to the agent when nobody answers in time.
	TimeoutFallback = "[QUESTION TIMED OUT] No answer was received within 10 minutes. Continue with your best judgement and note the unanswered question in your output."
	// NoUIAnswer is returned when the agent is not running under chronicle.
	NoUIAnswer = "[NO_UI] Running without a TUI context."
)

// AskEnv locates the answer file for the agent process.
type AskEnv struct {
	SessionDir string
	LedgerID   string
	State      string
}

// AskEnvFromOS reads the handoff variables set by the supervisor.
func AskEnvFromOS() AskEnv {
	return AskEnv{
		SessionDir: os.Getenv(EnvSessionDir),
		LedgerID:   os.Getenv(EnvLedgerID),
		State:      os.Getenv(EnvState),
	}
}

func (e AskEnv) valid() bool {
	return e.SessionDir != "" && e.LedgerID != "" && e.State != ""
}

func (e AskEnv) AnswerPath() string {
	return filepath.Join(e.SessionDir, AnswerFileName(e.LedgerID, e.State))
}

// Ask is the agent-side half of a question exchange: it announces q on out
// and blocks until the orchestrator writes an answer or maxWait passes.
func Ask(ctx context.Context, out io.Writer, env AskEnv, q models.AgentQuestion, interval, maxWait time.Duration) (string, error) {
	if !env.valid() {
		return NoUIAnswer, nil
	}
	path := env.AnswerPath()
	_ = os.Remove(path)

	line, err := EncodeQuestion(q)
	if err != nil {
		return "", fmt.Errorf("failed to encode question: %w", err)
	}
	if _, err := fmt.Fprintln(out, line); err != nil {
		return "", fmt.Errorf("failed to write question marker: %w", err)
	}

	answer, err := PollAnswer(ctx, path, interval, maxWait)
	if errors.Is(err, ErrAnswerTimeout) {
		log.Warn(log.CatIPC, "Question timed out", "state", env.State, "wait", maxWait)
		return TimeoutFallback, nil
	}
	return answer, err
}
