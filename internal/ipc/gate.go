package ipc

import (
	"sync"

	"github.com/mpataki/chronicle/internal/models"
)

type GateState int

const (
	GateIdle GateState = iota
	GateAwaiting
)

// QuestionGate lets exactly one question per agent process reach the human
// at a time. Questions arriving while one is pending queue in arrival order.
type QuestionGate struct {
	mu      sync.Mutex
	state   GateState
	pending []models.AgentQuestion
}

// Offer admits q. It returns true when q should be dispatched now, false
// when it has been queued behind the question in flight.
func (g *QuestionGate) Offer(q models.AgentQuestion) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == GateIdle {
		g.state = GateAwaiting
		return true
	}
	g.pending = append(g.pending, q)
	return false
}

// Resolve marks the in-flight question answered. If another question is
// queued it is returned for dispatch and the gate stays awaiting.
func (g *QuestionGate) Resolve() (next models.AgentQuestion, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.pending) == 0 {
		g.state = GateIdle
		return next, false
	}
	next = g.pending[0]
	g.pending = g.pending[1:]
	return next, true
}

func (g *QuestionGate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Queued returns the number of questions waiting behind the one in flight.
func (g *QuestionGate) Queued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
