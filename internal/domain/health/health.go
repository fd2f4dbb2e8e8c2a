// Package health defines the per-agent health record kept by the supervisor.
package health

import "time"

// Circuit is the circuit breaker state of an agent.
type Circuit string

const (
	CircuitClosed   Circuit = "closed"
	CircuitOpen     Circuit = "open"
	CircuitHalfOpen Circuit = "half-open"
)

// Available reports whether calls may be attempted in this state.
func (c Circuit) Available() bool {
	return c == CircuitClosed || c == CircuitHalfOpen
}

// Record is a point-in-time view of an agent's health.
type Record struct {
	AgentID       string        `json:"agent_id"`
	Circuit       Circuit       `json:"circuit"`
	Failures      int           `json:"consecutive_failures"`
	Backoff       time.Duration `json:"backoff"`
	LastSuccess   time.Time     `json:"last_success,omitempty"`
	LastProbe     time.Time     `json:"last_probe,omitempty"`
	NextRetry     time.Time     `json:"next_retry,omitempty"`
	RetryIn       time.Duration `json:"retry_in,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	Version       string        `json:"version,omitempty"` // capability version reported by /health
	TrialInFlight bool          `json:"trial_in_flight,omitempty"`
}

// Status is the decoded body of an agent's /health endpoint.
type Status struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// Healthy reports whether the status body signals liveness. An empty status
// counts as healthy since a 2xx response already proved liveness.
func (s Status) Healthy() bool {
	switch s.Status {
	case "", "ok", "OK", "healthy", "up", "UP":
		return true
	default:
		return false
	}
}
