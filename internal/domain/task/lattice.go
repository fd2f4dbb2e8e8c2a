package task

import (
	"slices"
	"time"

	"github.com/Strob0t/switchboard/internal/domain"
)

// maxSeen bounds the remembered remote event fingerprints per task.
const maxSeen = 128

var allowed = map[State][]State{
	StateSubmitted:     {StateWorking, StateCompleted, StateFailed, StateCanceled},
	StateWorking:       {StateWorking, StateInputRequired, StateCompleted, StateFailed, StateCanceled},
	StateInputRequired: {StateWorking, StateFailed, StateCanceled},
}

// rank orders states in the lifecycle lattice.
func rank(s State) int {
	switch s {
	case StateSubmitted:
		return 0
	case StateWorking, StateInputRequired:
		return 1
	case StateCompleted, StateFailed, StateCanceled:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether the lattice permits moving from one state to another.
func CanTransition(from, to State) bool {
	return slices.Contains(allowed[from], to)
}

// Event is a proposed change to a task.
type Event struct {
	State    State
	Source   Source
	At       time.Time // when the orchestrator applies the event
	RemoteAt time.Time // timestamp reported by the agent, zero if absent
	Message  *Message
	Artifact *Artifact
	Failure  *Failure
	// Fingerprint identifies a remote event for duplicate suppression.
	Fingerprint string
}

// Apply moves the task according to ev. It returns false with a nil error
// when a remote event is a duplicate, stale, or would move the task
// backward; such events leave the task untouched. Terminal tasks and moves
// outside the lattice yield InvalidTransition.
func (t *Task) Apply(ev Event) (bool, error) {
	if t.Terminal() {
		return false, domain.Errorf(domain.KindInvalidTransition,
			"task %s is already %s", t.ID, t.State)
	}
	if ev.Source.Remote() && t.stale(ev) {
		return false, nil
	}
	if ev.State == StateWorking && t.State == StateWorking && ev.Message == nil && ev.Artifact == nil {
		return false, nil
	}

	if t.State == StateSubmitted && ev.State == StateInputRequired {
		t.append(Event{State: StateWorking, Source: ev.Source, At: ev.At})
	}
	if !CanTransition(t.State, ev.State) {
		return false, domain.Errorf(domain.KindInvalidTransition,
			"task %s cannot move from %s to %s", t.ID, t.State, ev.State)
	}

	t.append(ev)
	return true, nil
}

// stale reports whether a remote event must be ignored.
func (t *Task) stale(ev Event) bool {
	if ev.Fingerprint != "" && slices.Contains(t.Seen, ev.Fingerprint) {
		return true
	}
	if !ev.RemoteAt.IsZero() && !t.LastRemoteAt.IsZero() && ev.RemoteAt.Before(t.LastRemoteAt) {
		return true
	}
	if rank(ev.State) < rank(t.State) {
		return true
	}
	switch {
	case t.State == StateSubmitted && ev.State == StateSubmitted:
		return true
	case t.State == StateInputRequired && ev.State == StateInputRequired:
		return true
	case t.State == StateInputRequired && ev.State == StateWorking && t.AwaitingInput:
		return true
	}
	return false
}

func (t *Task) append(ev Event) {
	tr := Transition{
		Seq:      t.LastSeq() + 1,
		From:     t.State,
		To:       ev.State,
		At:       ev.At,
		Source:   ev.Source,
		Message:  ev.Message,
		Artifact: ev.Artifact,
		Failure:  ev.Failure,
	}
	t.Transitions = append(t.Transitions, tr)
	t.State = ev.State
	t.UpdatedAt = ev.At

	switch {
	case ev.State == StateInputRequired:
		t.AwaitingInput = true
	case ev.Source == SourceCaller && ev.State == StateWorking:
		t.AwaitingInput = false
	}
	if ev.Failure != nil {
		t.Failure = ev.Failure
	}
	if ev.Artifact != nil {
		t.mergeArtifact(*ev.Artifact)
	}
	if ev.Source.Remote() {
		if ev.RemoteAt.After(t.LastRemoteAt) {
			t.LastRemoteAt = ev.RemoteAt
		}
		if ev.Fingerprint != "" {
			t.Seen = append(t.Seen, ev.Fingerprint)
			if len(t.Seen) > maxSeen {
				t.Seen = t.Seen[len(t.Seen)-maxSeen:]
			}
		}
	}
}

// mergeArtifact adds a to the task, appending parts to the artifact with the
// same index when a is a continuation chunk.
func (t *Task) mergeArtifact(a Artifact) {
	for i := range t.Artifacts {
		if t.Artifacts[i].Index != a.Index {
			continue
		}
		if a.Append {
			t.Artifacts[i].Parts = append(t.Artifacts[i].Parts, a.Parts...)
			t.Artifacts[i].LastChunk = a.LastChunk
			return
		}
		t.Artifacts[i] = a
		return
	}
	t.Artifacts = append(t.Artifacts, a)
}
