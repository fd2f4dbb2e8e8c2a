// Package task defines the Task domain entity and its lifecycle lattice.
package task

import (
	"errors"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/Strob0t/switchboard/internal/domain"
)

// State is the lifecycle state of a task, shared with the A2A wire format.
type State = a2a.TaskState

const (
	StateSubmitted     State = a2a.TaskStateSubmitted
	StateWorking       State = a2a.TaskStateWorking
	StateInputRequired State = a2a.TaskStateInputRequired
	StateCompleted     State = a2a.TaskStateCompleted
	StateFailed        State = a2a.TaskStateFailed
	StateCanceled      State = a2a.TaskStateCanceled
)

// Mode is how a task's updates travel back from the remote agent.
type Mode string

const (
	ModeSync   Mode = "sync"
	ModeStream Mode = "stream"
	ModePush   Mode = "push"
)

// Valid reports whether m is a known delivery mode.
func (m Mode) Valid() bool {
	return m == ModeSync || m == ModeStream || m == ModePush
}

// Source identifies who caused a transition.
type Source string

const (
	SourceLocal  Source = "local"  // decided by the orchestrator itself
	SourceCaller Source = "caller" // caller cancel or input
	SourceSync   Source = "sync"
	SourceStream Source = "stream"
	SourcePush   Source = "push"
)

// Remote reports whether the source is a remote agent event.
func (s Source) Remote() bool {
	return s == SourceSync || s == SourceStream || s == SourcePush
}

// Failure is the structured reason attached to a failed task.
type Failure struct {
	Kind              domain.Kind `json:"kind"`
	Message           string      `json:"message"`
	Retryable         bool        `json:"retryable"`
	RetryAfterSeconds int         `json:"retry_after_seconds,omitempty"`
}

// FailureFrom converts an error into a Failure.
func FailureFrom(err error) *Failure {
	if err == nil {
		return nil
	}
	kind := domain.KindOf(err)
	if kind == "" {
		kind = domain.KindRemoteError
	}
	f := &Failure{Kind: kind, Message: err.Error(), Retryable: kind.Retryable()}
	var de *domain.Error
	if errors.As(err, &de) && de.RetryAfter > 0 {
		f.RetryAfterSeconds = int(de.RetryAfter.Round(time.Second) / time.Second)
	}
	return f
}

// Transition is one entry in a task's append-only history.
type Transition struct {
	Seq      int       `json:"seq"`
	From     State     `json:"from,omitempty"`
	To       State     `json:"to"`
	At       time.Time `json:"at"`
	Source   Source    `json:"source"`
	Message  *Message  `json:"message,omitempty"`
	Artifact *Artifact `json:"artifact,omitempty"`
	Failure  *Failure  `json:"failure,omitempty"`
}

// ContentTypes is the input/output content-type agreement for a task.
type ContentTypes struct {
	Input  []string `json:"input,omitempty"`
	Output []string `json:"output,omitempty"`
}

// Task represents one unit of delegated work sent to a remote agent.
type Task struct {
	ID             string       `json:"id"`
	SessionID      string       `json:"session_id"`
	AgentID        string       `json:"agent_id"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	Mode           Mode         `json:"mode"`
	RequestedMode  Mode         `json:"requested_mode"`
	ContentTypes   ContentTypes `json:"content_types"`
	State          State        `json:"state"`
	Transitions    []Transition `json:"transitions"`
	Artifacts      []Artifact   `json:"artifacts,omitempty"`
	Failure        *Failure     `json:"failure,omitempty"`
	CallbackURL    string       `json:"callback_url,omitempty"`
	// AwaitingInput is set once the caller has been asked for input and
	// cleared when they provide it.
	AwaitingInput bool `json:"awaiting_input,omitempty"`
	// LastMessageID is the id stamped on the most recent agent message.
	LastMessageID string    `json:"last_message_id,omitempty"`
	LastRemoteAt  time.Time `json:"last_remote_at,omitempty"`
	Seen          []string  `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Terminal reports whether the task accepts no further transitions.
func (t *Task) Terminal() bool {
	return t.State.Terminal()
}

// LastSeq returns the sequence number of the latest transition, or 0.
func (t *Task) LastSeq() int {
	if len(t.Transitions) == 0 {
		return 0
	}
	return t.Transitions[len(t.Transitions)-1].Seq
}

// Clone returns a deep copy safe to hand out to readers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.ContentTypes = ContentTypes{
		Input:  append([]string(nil), t.ContentTypes.Input...),
		Output: append([]string(nil), t.ContentTypes.Output...),
	}
	c.Transitions = append([]Transition(nil), t.Transitions...)
	c.Artifacts = append([]Artifact(nil), t.Artifacts...)
	c.Seen = append([]string(nil), t.Seen...)
	if t.Failure != nil {
		f := *t.Failure
		c.Failure = &f
	}
	return &c
}

// New creates a task in the submitted state with its opening transition.
func New(id, sessionID, agentID string, mode, requested Mode, ct ContentTypes, now time.Time) *Task {
	t := &Task{
		ID:            id,
		SessionID:     sessionID,
		AgentID:       agentID,
		Mode:          mode,
		RequestedMode: requested,
		ContentTypes:  ct,
		State:         StateSubmitted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	t.Transitions = []Transition{{Seq: 1, To: StateSubmitted, At: now, Source: SourceLocal}}
	return t
}
