// Package delivery defines the port through which task updates travel
// between this service and a remote agent.
package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/Strob0t/switchboard/internal/domain"
	"github.com/Strob0t/switchboard/internal/domain/task"
	"github.com/Strob0t/switchboard/internal/port/a2a"
)

// Request is one turn of a task sent to a remote agent.
type Request struct {
	TaskID       string
	SessionID    string
	AgentID      string
	Endpoint     string
	Message      task.Message
	ContentTypes task.ContentTypes
	// CallbackURL and CallbackToken are set for push delivery.
	CallbackURL   string
	CallbackToken string
	Metadata      map[string]any
}

// Update is a state change reported by the remote agent.
type Update struct {
	State     task.State
	Message   *task.Message
	Artifact  *task.Artifact
	Timestamp time.Time
	Final     bool
	Source    task.Source
	// Fingerprint identifies the wire event for duplicate suppression.
	Fingerprint string
}

// Channel carries a task to a remote agent in one delivery mode. Deliver
// calls emit for every update in arrival order and returns when the agent
// has reported a terminal state, when the mode hands off to asynchronous
// callbacks, or with a classified *domain.Error.
type Channel interface {
	Mode() task.Mode
	Deliver(ctx context.Context, req Request, emit func(Update)) error
}

// FromWire splits one wire update into the ordered updates it implies.
// Artifacts precede the status change they arrived with so that a terminal
// status is always the last update applied.
func FromWire(u a2a.Update, src task.Source) []Update {
	var out []Update
	arts := u.Artifacts
	if u.Artifact != nil {
		arts = append([]task.Artifact{*u.Artifact}, arts...)
	}
	for i := range arts {
		a := arts[i]
		out = append(out, Update{
			State:       task.StateWorking,
			Artifact:    &a,
			Source:      src,
			Fingerprint: fingerprint("artifact", a),
		})
	}
	if u.Status != nil {
		out = append(out, Update{
			State:       u.Status.State,
			Message:     u.Status.Message,
			Timestamp:   u.Status.Time(),
			Final:       u.Final || u.Status.State.Terminal(),
			Source:      src,
			Fingerprint: fingerprint("status", u.Status),
		})
	} else if u.Final && len(out) > 0 {
		out[len(out)-1].Final = true
	}
	return out
}

// Validate checks that every update names a known state and that every
// message and artifact part fits the output agreement.
func Validate(ct task.ContentTypes, updates []Update) error {
	for _, u := range updates {
		switch u.State {
		case task.StateSubmitted, task.StateWorking, task.StateInputRequired,
			task.StateCompleted, task.StateFailed, task.StateCanceled:
		default:
			return domain.Errorf(domain.KindMalformedResponse, "agent reported unknown state %q", u.State)
		}
		if u.Message != nil && u.Message.Role != "user" {
			if err := ct.CheckParts(u.Message.Parts); err != nil {
				return err
			}
		}
		if u.Artifact != nil {
			if err := ct.CheckParts(u.Artifact.Parts); err != nil {
				return err
			}
		}
	}
	return nil
}

func fingerprint(kind string, v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(append([]byte(kind+":"), raw...))
	return hex.EncodeToString(sum[:16])
}
