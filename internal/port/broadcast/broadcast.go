// Package broadcast defines the port for broadcasting real-time events to
// connected clients.
package broadcast

import (
	"context"

	"github.com/Strob0t/switchboard/internal/domain/event"
)

// Broadcaster sends real-time events to all connected clients.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to all connected clients.
	BroadcastEvent(ctx context.Context, eventType event.Type, payload any)
}
