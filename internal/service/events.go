package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Strob0t/switchboard/internal/domain/event"
	"github.com/Strob0t/switchboard/internal/logger"
	"github.com/Strob0t/switchboard/internal/port/broadcast"
	"github.com/Strob0t/switchboard/internal/port/eventstore"
	"github.com/Strob0t/switchboard/internal/port/messagequeue"
)

// EventSinks fans task transitions and agent events out to the configured
// sinks. Every sink is optional. Sink failures are logged and never returned:
// the in-memory record is authoritative.
type EventSinks struct {
	store  eventstore.Store
	queue  messagequeue.Queue
	hub    broadcast.Broadcaster
	origin string
	log    *slog.Logger
}

// NewEventSinks creates an EventSinks. origin identifies this replica on
// published events.
func NewEventSinks(origin string, log *slog.Logger) *EventSinks {
	return &EventSinks{origin: origin, log: log}
}

// SetEventStore attaches the append-only transition store.
func (s *EventSinks) SetEventStore(es eventstore.Store) { s.store = es }

// SetQueue attaches the message queue used to share events with other replicas.
func (s *EventSinks) SetQueue(q messagequeue.Queue) { s.queue = q }

// SetBroadcaster attaches the live feed for local observers.
func (s *EventSinks) SetBroadcaster(b broadcast.Broadcaster) { s.hub = b }

// Store returns the attached transition store, or nil.
func (s *EventSinks) Store() eventstore.Store {
	if s == nil {
		return nil
	}
	return s.store
}

// Transition records a task transition in every sink.
func (s *EventSinks) Transition(ctx context.Context, ev *event.Transition) {
	if s == nil {
		return
	}
	ev.Origin = s.origin
	if ev.RequestID == "" {
		ev.RequestID = logger.RequestID(ctx)
	}
	log := logger.From(ctx, s.log)
	if s.store != nil {
		if err := s.store.Append(ctx, ev); err != nil {
			log.Error("append transition failed", "task_id", ev.TaskID, "seq", ev.Record.Seq, "error", err)
		}
	}
	s.publish(ctx, messagequeue.TransitionSubject(ev.TaskID), ev)
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, event.TypeTaskTransition, *ev)
	}
}

// Circuit announces an agent circuit change.
func (s *EventSinks) Circuit(ctx context.Context, ev event.Circuit) {
	if s == nil {
		return
	}
	ev.Origin = s.origin
	s.publish(ctx, messagequeue.CircuitSubject(ev.AgentID), ev)
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, event.TypeCircuitChanged, ev)
	}
}

// Agent announces a registry change.
func (s *EventSinks) Agent(ctx context.Context, ev event.Agent) {
	if s == nil {
		return
	}
	ev.Origin = s.origin
	s.publish(ctx, messagequeue.RegistrySubject(ev.AgentID), ev)
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, ev.Type, ev)
	}
}

func (s *EventSinks) publish(ctx context.Context, subject string, payload any) {
	if s.queue == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("marshal event failed", "subject", subject, "error", err)
		return
	}
	if err := s.queue.Publish(ctx, subject, data); err != nil {
		logger.From(ctx, s.log).Warn("publish event failed", "subject", subject, "error", err)
	}
}

// Follow subscribes to events published by other replicas and forwards them
// to the local broadcaster. Events this replica published are skipped since
// they already reached the local feed.
func (s *EventSinks) Follow(ctx context.Context) (stop func(), err error) {
	if s.queue == nil || s.hub == nil {
		return func() {}, nil
	}
	stopTasks, err := s.queue.Subscribe(ctx, messagequeue.PatternTasks, s.relay)
	if err != nil {
		return nil, fmt.Errorf("follow task events: %w", err)
	}
	stopAgents, err := s.queue.Subscribe(ctx, messagequeue.PatternAgents, s.relay)
	if err != nil {
		stopTasks()
		return nil, fmt.Errorf("follow agent events: %w", err)
	}
	return func() {
		stopTasks()
		stopAgents()
	}, nil
}

func (s *EventSinks) relay(ctx context.Context, subject string, data []byte) error {
	switch {
	case strings.HasPrefix(subject, messagequeue.SubjectTaskTransition+"."):
		var ev event.Transition
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode transition: %w", err)
		}
		if ev.Origin != s.origin {
			s.hub.BroadcastEvent(ctx, event.TypeTaskTransition, ev)
		}
	case strings.HasPrefix(subject, messagequeue.SubjectAgentCircuit+"."):
		var ev event.Circuit
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode circuit event: %w", err)
		}
		if ev.Origin != s.origin {
			s.hub.BroadcastEvent(ctx, event.TypeCircuitChanged, ev)
		}
	case strings.HasPrefix(subject, messagequeue.SubjectAgentRegistry+"."):
		var ev event.Agent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode registry event: %w", err)
		}
		if ev.Origin != s.origin {
			s.hub.BroadcastEvent(ctx, ev.Type, ev)
		}
	}
	return nil
}
