package orchestrator

import "github.com/mpataki/chronicle/internal/models"

type EventKind string

const (
	EventRunning  EventKind = "running"
	EventProgress EventKind = "progress"
	EventQuestion EventKind = "question"
	EventFinished EventKind = "finished"
	EventStatus   EventKind = "status"
)

// Event is a state change published to rendering consumers.
type Event struct {
	Kind     EventKind
	LedgerID string
	State    string
	Agent    string
	Line     string
	Question *models.AgentQuestion
	Status   models.Status
	Result   *Result
}

// Observer receives events synchronously on the goroutine that produced
// them and must not block.
type Observer func(Event)
