package ws

import (
	"context"
	"encoding/json"

	"github.com/Strob0t/switchboard/internal/domain/event"
)

// BroadcastEvent marshals a typed event and broadcasts it. Task transitions
// reach only the connections whose filter matches the task.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType event.Type, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	var taskID, sessionID string
	switch ev := payload.(type) {
	case event.Transition:
		taskID, sessionID = ev.TaskID, ev.SessionID
	case *event.Transition:
		taskID, sessionID = ev.TaskID, ev.SessionID
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	}, taskID, sessionID)
}
