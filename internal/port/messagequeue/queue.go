// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject
	// pattern. Every subscriber receives every message published after it
	// subscribed. The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subjects used by switchboard replicas.
const (
	SubjectTaskTransition = "a2a.tasks.transition" // a2a.tasks.transition.{task_id}
	SubjectAgentCircuit   = "a2a.agents.circuit"   // a2a.agents.circuit.{agent_id}
	SubjectAgentRegistry  = "a2a.agents.registry"  // a2a.agents.registry.{agent_id}
	SubjectDeadLetter     = "a2a.dlq"              // a2a.dlq.{original subject}

	PatternTasks  = "a2a.tasks.>"
	PatternAgents = "a2a.agents.>"
)

// TransitionSubject returns the subject for a task's transitions.
func TransitionSubject(taskID string) string { return SubjectTaskTransition + "." + taskID }

// CircuitSubject returns the subject for an agent's circuit changes.
func CircuitSubject(agentID string) string { return SubjectAgentCircuit + "." + agentID }

// RegistrySubject returns the subject for an agent's registry changes.
func RegistrySubject(agentID string) string { return SubjectAgentRegistry + "." + agentID }

// DeadLetterSubject returns the dead-letter subject for subject.
func DeadLetterSubject(subject string) string { return SubjectDeadLetter + "." + subject }
