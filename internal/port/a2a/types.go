// Package a2a defines the JSON-RPC wire contract spoken with remote agents
// and the endpoints this service exposes to A2A peers.
package a2a

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/switchboard/internal/domain/task"
)

// JSON-RPC method names.
const (
	MethodSend            = "tasks/send"
	MethodSendSubscribe   = "tasks/sendSubscribe"
	MethodGet             = "tasks/get"
	MethodCancel          = "tasks/cancel"
	MethodSetPushConfig   = "tasks/pushNotification/set"
	MethodGetPushConfig   = "tasks/pushNotification/get"
	MethodResubscribe     = "tasks/resubscribe"
	JSONRPCVersion        = "2.0"
	WellKnownAgentCardURI = "/.well-known/agent.json"
)

// JSON-RPC error codes.
const (
	CodeParseError              = -32700
	CodeInvalidRequest          = -32600
	CodeMethodNotFound          = -32601
	CodeInvalidParams           = -32602
	CodeInternalError           = -32603
	CodeTaskNotFound            = -32001
	CodeTaskNotCancelable       = -32002
	CodePushNotSupported        = -32003
	CodeUnsupportedOperation    = -32004
	CodeContentTypeNotSupported = -32005
)

// Request is a JSON-RPC request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("a2a error %d: %s", e.Code, e.Message)
}

// TaskStatus is the state of a task as reported on the wire.
type TaskStatus struct {
	State     task.State    `json:"state"`
	Message   *task.Message `json:"message,omitempty"`
	Timestamp string        `json:"timestamp,omitempty"`
}

// Time parses the status timestamp; zero when absent or unparseable.
func (s TaskStatus) Time() time.Time {
	if s.Timestamp == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s.Timestamp); err == nil {
			return t
		}
	}
	return time.Time{}
}

// PushNotificationConfig tells an agent where to POST task updates.
type PushNotificationConfig struct {
	URL            string          `json:"url"`
	Token          string          `json:"token,omitempty"`
	Authentication *Authentication `json:"authentication,omitempty"`
}

// Authentication describes how the callback receiver authenticates requests.
type Authentication struct {
	Schemes     []string `json:"schemes"`
	Credentials string   `json:"credentials,omitempty"`
}

// TaskPushNotificationConfig binds a push config to a task.
type TaskPushNotificationConfig struct {
	ID                     string                 `json:"id"`
	PushNotificationConfig PushNotificationConfig `json:"pushNotificationConfig"`
}

// TaskSendParams are the params of tasks/send and tasks/sendSubscribe.
type TaskSendParams struct {
	ID                  string                  `json:"id"`
	SessionID           string                  `json:"sessionId,omitempty"`
	Message             task.Message            `json:"message"`
	AcceptedOutputModes []string                `json:"acceptedOutputModes,omitempty"`
	PushNotification    *PushNotificationConfig `json:"pushNotification,omitempty"`
	HistoryLength       *int                    `json:"historyLength,omitempty"`
	Metadata            map[string]any          `json:"metadata,omitempty"`
}

// TaskIDParams identify a task.
type TaskIDParams struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskQueryParams are the params of tasks/get.
type TaskQueryParams struct {
	ID            string `json:"id"`
	HistoryLength *int   `json:"historyLength,omitempty"`
}

// Task is a task as reported by a remote agent.
type Task struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Status    TaskStatus      `json:"status"`
	Artifacts []task.Artifact `json:"artifacts,omitempty"`
	History   []task.Message  `json:"history,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// Update is any task update an agent can emit: a full Task, a
// TaskStatusUpdateEvent, or a TaskArtifactUpdateEvent. Streams and push
// callbacks decode into it without knowing the variant in advance.
type Update struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Status    *TaskStatus     `json:"status,omitempty"`
	Artifact  *task.Artifact  `json:"artifact,omitempty"`
	Artifacts []task.Artifact `json:"artifacts,omitempty"`
	Final     bool            `json:"final,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// Empty reports whether the update carries neither status nor artifacts.
func (u *Update) Empty() bool {
	return u.Status == nil && u.Artifact == nil && len(u.Artifacts) == 0
}

// AsUpdate converts a full task into an Update.
func (t *Task) AsUpdate() Update {
	st := t.Status
	return Update{
		ID:        t.ID,
		SessionID: t.SessionID,
		Status:    &st,
		Artifacts: t.Artifacts,
		Final:     t.Status.State.Terminal(),
		Metadata:  t.Metadata,
	}
}
