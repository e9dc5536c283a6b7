package ipc

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mpataki/chronicle/internal/models"
)

func TestQuestionMarker_RoundTrip(t *testing.T) {
	q := models.AgentQuestion{Question: "Which DB?", Options: []string{"postgres", "sqlite"}, AllowFreeText: true}
	line, err := EncodeQuestion(q)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, QuestionSentinel+":"))

	got, ok := ParseQuestionLine(line + "\n")
	require.True(t, ok)
	require.Equal(t, q, got)
}

func TestParseQuestionLine_Rejects(t *testing.T) {
	for _, line := range []string{
		"",
		`{"type":"message_update"}`,
		"__CQ__:not-base64!!",
		"__CQ__:" + base64.StdEncoding.EncodeToString([]byte("not json")),
		"__CQ__:" + base64.StdEncoding.EncodeToString([]byte(`{"options":["a"]}`)),
		"prefix __CQ__:abc",
	} {
		_, ok := ParseQuestionLine(line)
		require.False(t, ok, "line %q", line)
	}
}

func TestTracker(t *testing.T) {
	var tr Tracker

	p, changed := tr.Feed(`{"type":"message_update","assistantMessageEvent":{"type":"text_delta","delta":"Reading files\n"}}`)
	require.True(t, changed)
	require.Equal(t, "Reading files", p)

	p, changed = tr.Feed(`{"type":"message_update","assistantMessageEvent":{"type":"text_delta","delta":"Running tests"}}`)
	require.True(t, changed)
	require.Equal(t, "Running tests", p)

	_, changed = tr.Feed("warning: not json at all")
	require.False(t, changed)
	_, changed = tr.Feed(`{"type":"message_update","assistantMessageEvent":{"type":"thinking_delta","delta":"hmm"}}`)
	require.False(t, changed)
	_, changed = tr.Feed(`{"type":"message_upd`)
	require.False(t, changed)

	tr.Feed(`{"type":"message_end","message":{"role":"assistant","usage":{"input":100,"output":20}}}`)
	require.Equal(t, 120, tr.Tokens())
	tr.Feed(`{"type":"message_end","message":{"role":"assistant","usage":{"input":300,"output":50}}}`)
	require.Equal(t, 350, tr.Tokens(), "usage is a running total, not summed")

	tr.Feed(`{"type":"agent_end","messages":[{"role":"assistant","usage":{"input":400,"output":60}},{"role":"user"}]}`)
	require.Equal(t, 460, tr.Tokens())

	require.Equal(t, "Reading files\nRunning tests", tr.Output())
}

func TestQuestionGate_SingleSlot(t *testing.T) {
	var g QuestionGate
	first := models.AgentQuestion{Question: "first"}
	second := models.AgentQuestion{Question: "second"}
	third := models.AgentQuestion{Question: "third"}

	require.Equal(t, GateIdle, g.State())
	require.True(t, g.Offer(first))
	require.Equal(t, GateAwaiting, g.State())
	require.False(t, g.Offer(second))
	require.False(t, g.Offer(third))
	require.Equal(t, 2, g.Queued())

	next, ok := g.Resolve()
	require.True(t, ok)
	require.Equal(t, "second", next.Question)
	require.Equal(t, GateAwaiting, g.State())

	next, ok = g.Resolve()
	require.True(t, ok)
	require.Equal(t, "third", next.Question)

	_, ok = g.Resolve()
	require.False(t, ok)
	require.Equal(t, GateIdle, g.State())
	require.True(t, g.Offer(first))
}

func TestPollAnswer_ReturnsAndDeletes(t *testing.T) {
	path := filepath.Join(t.TempDir(), AnswerFileName("abc", "review"))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = WriteAnswer(path, "42")
	}()

	answer, err := PollAnswer(context.Background(), path, 10*time.Millisecond, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "42", answer)
	require.NoFileExists(t, path)
}

func TestPollAnswer_MalformedIsRetried(t *testing.T) {
	path := filepath.Join(t.TempDir(), "answer.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"answ`), 0o644))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = WriteAnswer(path, "fixed")
	}()

	answer, err := PollAnswer(context.Background(), path, 10*time.Millisecond, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "fixed", answer)
}

func TestPollAnswer_Timeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "answer.json")
	start := time.Now()
	_, err := PollAnswer(context.Background(), path, 10*time.Millisecond, 60*time.Millisecond)
	require.ErrorIs(t, err, ErrAnswerTimeout)
	require.Less(t, time.Since(start), time.Second)
}

func TestAsk_RoundTrip(t *testing.T) {
	env := AskEnv{SessionDir: t.TempDir(), LedgerID: "abc", State: "implementation"}
	require.NoError(t, os.WriteFile(env.AnswerPath(), []byte(`{"answer":"stale"}`), 0o644))

	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()

	go func() {
		buf := make([]byte, 4096)
		n, _ := pr.Read(buf)
		if _, ok := ParseQuestionLine(string(buf[:n])); ok {
			_ = WriteAnswer(env.AnswerPath(), "42")
		}
	}()

	answer, err := Ask(context.Background(), pw, env, models.AgentQuestion{Question: "life?"}, 10*time.Millisecond, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "42", answer)
	require.NoFileExists(t, env.AnswerPath())
	pw.Close()
}

func TestAsk_TimeoutFallback(t *testing.T) {
	env := AskEnv{SessionDir: t.TempDir(), LedgerID: "abc", State: "plan"}
	var out bytes.Buffer

	answer, err := Ask(context.Background(), &out, env, models.AgentQuestion{Question: "anyone?"}, 10*time.Millisecond, 50*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, TimeoutFallback, answer)
	require.Contains(t, out.String(), QuestionSentinel)
}

func TestAsk_NoUI(t *testing.T) {
	var out bytes.Buffer
	answer, err := Ask(context.Background(), &out, AskEnv{}, models.AgentQuestion{Question: "q"}, time.Millisecond, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, NoUIAnswer, answer)
	require.Empty(t, out.String())
}

func TestFileNames_SanitizeState(t *testing.T) {
	require.Equal(t, "answer-abc-plan_review.json", AnswerFileName("abc", "plan review"))
	require.Equal(t, "ctx-abc-a_b.md", ContextFileName("abc", "a/b"))
}

func TestRendezvous(t *testing.T) {
	var r Rendezvous
	require.False(t, r.Offer("ignored"))

	ch := r.Arm()
	require.True(t, r.Armed())
	require.True(t, r.Offer("free text"))
	require.False(t, r.Armed())
	require.Equal(t, "free text", <-ch)
	require.False(t, r.Offer("again"))

	r.Arm()
	r.Disarm()
	require.False(t, r.Offer("late"))
}
