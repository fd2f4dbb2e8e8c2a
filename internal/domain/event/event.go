// Package event defines the append events published for task transitions
// and circuit changes.
package event

import (
	"time"

	"github.com/Strob0t/switchboard/internal/domain/task"
)

// Type identifies the kind of event.
type Type string

const (
	TypeTaskTransition Type = "task.transition"
	TypeCircuitChanged Type = "agent.circuit_changed"
	TypeAgentChanged   Type = "agent.registered"
	TypeAgentRemoved   Type = "agent.removed"
)

// Transition is an immutable record of one task state change.
type Transition struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	SessionID string          `json:"session_id"`
	AgentID   string          `json:"agent_id"`
	Mode      task.Mode       `json:"mode"`
	Record    task.Transition `json:"record"`
	RequestID string          `json:"request_id,omitempty"`
	Origin    string          `json:"origin,omitempty"` // replica that applied it
	CreatedAt time.Time       `json:"created_at"`
}

// Terminal reports whether the transition ended the task.
func (e Transition) Terminal() bool {
	return e.Record.To.Terminal()
}

// Circuit records a circuit state change for an agent.
type Circuit struct {
	AgentID   string        `json:"agent_id"`
	From      string        `json:"from"`
	To        string        `json:"to"`
	Failures  int           `json:"failures"`
	RetryIn   time.Duration `json:"retry_in"`
	LastError string        `json:"last_error,omitempty"`
	Origin    string        `json:"origin,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Agent records a registry change.
type Agent struct {
	Type      Type      `json:"type"`
	AgentID   string    `json:"agent_id"`
	Name      string    `json:"name,omitempty"`
	URL       string    `json:"url,omitempty"`
	Epoch     uint64    `json:"epoch,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
