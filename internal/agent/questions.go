package agent

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/mpataki/chronicle/internal/ipc"
	"github.com/mpataki/chronicle/internal/log"
	"github.com/mpataki/chronicle/internal/models"
)

const consumePoll = 50 * time.Millisecond

// questionPump relays agent questions to the caller one at a time and writes
// each answer where the agent is polling for it.
type questionPump struct {
	spec Spec
	cb   Callbacks
	ctx  context.Context
	gate ipc.QuestionGate
	wg   sync.WaitGroup
}

func (p *questionPump) offer(q models.AgentQuestion) {
	if !p.gate.Offer(q) {
		log.Debug(log.CatIPC, "Question queued behind pending question", "state", p.spec.State, "queued", p.gate.Queued())
		return
	}
	p.wg.Add(1)
	go p.serve(q)
}

func (p *questionPump) serve(q models.AgentQuestion) {
	defer p.wg.Done()
	for {
		p.answer(q)
		next, ok := p.gate.Resolve()
		if !ok {
			return
		}
		q = next
	}
}

func (p *questionPump) answer(q models.AgentQuestion) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatIPC, "Question handler panicked", "panic", r, "state", p.spec.State)
		}
	}()

	if p.ctx.Err() != nil {
		return
	}

	answer := ipc.NoUIAnswer
	if p.cb.Question != nil {
		var err error
		answer, err = p.cb.Question(p.ctx, q)
		if err != nil {
			log.Warn(log.CatIPC, "Question not answered", "state", p.spec.State, "error", err)
			return
		}
	}

	path := ipc.AskEnv{SessionDir: p.spec.SessionDir, LedgerID: p.spec.LedgerID, State: p.spec.State}.AnswerPath()
	if !p.awaitConsumed(path) {
		return
	}
	if err := ipc.WriteAnswer(path, answer); err != nil {
		log.ErrorErr(log.CatIPC, "Failed to write answer file", err, "path", path)
	}
}

// awaitConsumed blocks while a previous answer for the same state is still
// unread, so a queued answer never overwrites one the agent has not seen.
func (p *questionPump) awaitConsumed(path string) bool {
	ticker := time.NewTicker(consumePoll)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return true
		}
		select {
		case <-p.ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (p *questionPump) wait() {
	p.wg.Wait()
}
