// Package eventstore defines the port interface for the append-only
// transition log.
package eventstore

import (
	"context"

	"github.com/Strob0t/switchboard/internal/domain/event"
)

// Store persists task transitions. Appends are idempotent per
// (task id, seq) so a replayed event is stored once.
type Store interface {
	// Append persists a new transition.
	Append(ctx context.Context, ev *event.Transition) error

	// LoadByTask returns all transitions of a task, ordered by seq.
	LoadByTask(ctx context.Context, taskID string) ([]event.Transition, error)

	// LoadBySession returns all transitions of a session, ordered by time.
	LoadBySession(ctx context.Context, sessionID string) ([]event.Transition, error)

	// LoadByAgent returns the most recent transitions handled by an agent,
	// newest first.
	LoadByAgent(ctx context.Context, agentID string, limit int) ([]event.Transition, error)
}
