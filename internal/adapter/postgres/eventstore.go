package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/switchboard/internal/domain/event"
	"github.com/Strob0t/switchboard/internal/domain/task"
	"github.com/Strob0t/switchboard/internal/port/eventstore"
)

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

var _ eventstore.Store = (*EventStore)(nil)

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts a transition into the task_transitions table. A second
// append for the same (task_id, seq) is a no-op.
func (s *EventStore) Append(ctx context.Context, ev *event.Transition) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	record, err := json.Marshal(ev.Record)
	if err != nil {
		return fmt.Errorf("marshal transition record: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO task_transitions (id, task_id, session_id, agent_id, mode, seq, from_state, to_state, source, record, request_id, origin, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, COALESCE($13::timestamptz, now()))
		 ON CONFLICT (task_id, seq) DO NOTHING`,
		ev.ID, ev.TaskID, ev.SessionID, ev.AgentID, string(ev.Mode), ev.Record.Seq,
		string(ev.Record.From), string(ev.Record.To), string(ev.Record.Source), record,
		ev.RequestID, ev.Origin, nullTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("append transition %s/%d: %w", ev.TaskID, ev.Record.Seq, err)
	}
	return nil
}

// transitionColumns is the SELECT column list for task_transitions queries.
const transitionColumns = `id, task_id, session_id, agent_id, mode, record, request_id, origin, created_at`

func scanTransition(row scannable) (event.Transition, error) {
	var (
		ev     event.Transition
		mode   string
		record []byte
	)
	if err := row.Scan(&ev.ID, &ev.TaskID, &ev.SessionID, &ev.AgentID, &mode,
		&record, &ev.RequestID, &ev.Origin, &ev.CreatedAt); err != nil {
		return ev, fmt.Errorf("scan transition: %w", err)
	}
	ev.Mode = task.Mode(mode)
	if err := json.Unmarshal(record, &ev.Record); err != nil {
		return ev, fmt.Errorf("decode transition record %s: %w", ev.ID, err)
	}
	return ev, nil
}

// LoadByTask returns all transitions for the given task, ordered by seq.
func (s *EventStore) LoadByTask(ctx context.Context, taskID string) ([]event.Transition, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM task_transitions WHERE task_id = $1 ORDER BY seq ASC`, transitionColumns), taskID)
	if err != nil {
		return nil, fmt.Errorf("load transitions by task %s: %w", taskID, err)
	}
	return collect(rows)
}

// LoadBySession returns all transitions for tasks of a session in the order
// they were recorded.
func (s *EventStore) LoadBySession(ctx context.Context, sessionID string) ([]event.Transition, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM task_transitions WHERE session_id = $1 ORDER BY created_at ASC, task_id, seq`, transitionColumns), sessionID)
	if err != nil {
		return nil, fmt.Errorf("load transitions by session %s: %w", sessionID, err)
	}
	return collect(rows)
}

// LoadByAgent returns the newest transitions handled by an agent.
func (s *EventStore) LoadByAgent(ctx context.Context, agentID string, limit int) ([]event.Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM task_transitions WHERE agent_id = $1 ORDER BY created_at DESC, seq DESC LIMIT $2`, transitionColumns), agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("load transitions by agent %s: %w", agentID, err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]event.Transition, error) {
	defer rows.Close()

	events := []event.Transition{}
	for rows.Next() {
		ev, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
