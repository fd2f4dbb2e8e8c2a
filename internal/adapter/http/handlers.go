package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Strob0t/switchboard/internal/domain"
	"github.com/Strob0t/switchboard/internal/domain/agentcard"
	"github.com/Strob0t/switchboard/internal/domain/event"
	"github.com/Strob0t/switchboard/internal/domain/health"
	"github.com/Strob0t/switchboard/internal/domain/task"
	"github.com/Strob0t/switchboard/internal/port/a2a"
	"github.com/Strob0t/switchboard/internal/service"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// IdempotencyHeader carries the caller's idempotency key on task submission.
const IdempotencyHeader = "Idempotency-Key"

// AgentService manages the agent registry.
type AgentService interface {
	Register(ctx context.Context, rawURL string) (*agentcard.Entry, error)
	Get(id string) (*agentcard.Entry, error)
	List() []*agentcard.Entry
	Remove(ctx context.Context, id string) error
	Refresh(ctx context.Context, id string) (*agentcard.Entry, error)
}

// HealthService exposes per-agent circuit state.
type HealthService interface {
	Record(agentID string) (health.Record, error)
	Probe(ctx context.Context, agentID string) (health.Record, error)
}

// TaskService drives task lifecycles.
type TaskService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	Cancel(ctx context.Context, id string) (*task.Task, error)
	ProvideInput(ctx context.Context, id string, msg task.Message) (*task.Task, error)
	ListBySession(ctx context.Context, sessionID string) []*task.Task
	Watch(ctx context.Context, id string) (<-chan event.Transition, error)
	Replay(ctx context.Context, req event.ReplayRequest) (event.ReplayResult, error)
	HandleCallback(ctx context.Context, id string, u a2a.Update) (*task.Task, error)
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Agents AgentService
	Health HealthService
	Tasks  TaskService
}

// --- Agents ---

type registerAgentRequest struct {
	URL string `json:"url"`
}

// RegisterAgent handles POST /api/v1/agents
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	handleCreate(maxRequestBodySize, func(ctx context.Context, req *registerAgentRequest) (*agentcard.Entry, error) {
		if strings.TrimSpace(req.URL) == "" {
			return nil, fmt.Errorf("url is required: %w", domain.ErrValidation)
		}
		return h.Agents.Register(ctx, req.URL)
	})(w, r)
}

// ListAgents handles GET /api/v1/agents
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	handleList(func(context.Context) ([]*agentcard.Entry, error) {
		return h.Agents.List(), nil
	})(w, r)
}

// GetAgent handles GET /api/v1/agents/{id}
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	handleGet(func(_ context.Context, id string) (*agentcard.Entry, error) {
		return h.Agents.Get(id)
	}, "agent not found")(w, r)
}

// DeleteAgent handles DELETE /api/v1/agents/{id}
func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	handleDelete(h.Agents.Remove, "agent not found")(w, r)
}

// RefreshAgent handles POST /api/v1/agents/{id}/refresh
func (h *Handlers) RefreshAgent(w http.ResponseWriter, r *http.Request) {
	handleAction(h.Agents.Refresh, "agent not found")(w, r)
}

// AgentHealth handles GET /api/v1/agents/{id}/health
func (h *Handlers) AgentHealth(w http.ResponseWriter, r *http.Request) {
	handleGet(func(_ context.Context, id string) (*health.Record, error) {
		rec, err := h.Health.Record(id)
		if err != nil {
			return nil, err
		}
		return &rec, nil
	}, "agent not found")(w, r)
}

type probeResponse struct {
	health.Record
	Error string `json:"error,omitempty"`
}

// ProbeAgent handles POST /api/v1/agents/{id}/probe. A failed probe is
// reported in the body; only unknown agents and open circuits are errors.
func (h *Handlers) ProbeAgent(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	rec, err := h.Health.Probe(r.Context(), id)
	if err != nil {
		switch domain.KindOf(err) {
		case "", domain.KindCircuitOpen:
			writeDomainError(w, err, "agent not found")
			return
		}
		writeJSON(w, http.StatusOK, probeResponse{Record: rec, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, probeResponse{Record: rec})
}

// --- Tasks ---

type submitTaskRequest struct {
	AgentID        string            `json:"agent_id"`
	SessionID      string            `json:"session_id,omitempty"`
	Input          task.Message      `json:"input"`
	ContentTypes   task.ContentTypes `json:"content_types"`
	Mode           task.Mode         `json:"mode,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	CallbackURL    string            `json:"callback_url,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
}

// SubmitTask handles POST /api/v1/tasks. The Idempotency-Key header takes
// precedence over the body field. Settled tasks are answered with 200,
// tasks still in flight with 202.
func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[submitTaskRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if !requireField(w, body.AgentID, "agent_id") {
		return
	}
	if body.TimeoutSeconds < 0 {
		writeError(w, http.StatusBadRequest, "timeout_seconds must not be negative")
		return
	}

	req := service.SubmitRequest{
		AgentID:        body.AgentID,
		SessionID:      body.SessionID,
		Input:          body.Input,
		ContentTypes:   body.ContentTypes,
		Mode:           body.Mode,
		IdempotencyKey: body.IdempotencyKey,
		CallbackURL:    body.CallbackURL,
		Timeout:        time.Duration(body.TimeoutSeconds) * time.Second,
		Metadata:       body.Metadata,
	}
	if key := r.Header.Get(IdempotencyHeader); key != "" {
		req.IdempotencyKey = key
	}

	t, err := h.Tasks.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	status := http.StatusAccepted
	if t.Terminal() {
		status = http.StatusOK
	}
	writeJSON(w, status, t)
}

// GetTask handles GET /api/v1/tasks/{id}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	handleGet(h.Tasks.Get, "task not found")(w, r)
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	handleAction(h.Tasks.Cancel, "task not found")(w, r)
}

// ProvideInput handles POST /api/v1/tasks/{id}/input
func (h *Handlers) ProvideInput(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	msg, ok := readJSON[task.Message](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	t, err := h.Tasks.ProvideInput(r.Context(), id, msg)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	status := http.StatusAccepted
	if t.Terminal() {
		status = http.StatusOK
	}
	writeJSON(w, status, t)
}

// ListSessionTasks handles GET /api/v1/sessions/{id}/tasks
func (h *Handlers) ListSessionTasks(w http.ResponseWriter, r *http.Request) {
	handleListByParam("id", func(ctx context.Context, sessionID string) ([]*task.Task, error) {
		return h.Tasks.ListBySession(ctx, sessionID), nil
	}, "session not found")(w, r)
}

// TaskEvents handles GET /api/v1/tasks/{id}/events. With follow=true, or
// when the client accepts text/event-stream, the history and all further
// transitions are streamed as server-sent events until the task settles.
func (h *Handlers) TaskEvents(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if r.URL.Query().Get("follow") == "true" || strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		h.streamEvents(w, r, id)
		return
	}

	afterSeq, ok := queryInt(w, r, "after_seq")
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	if _, err := h.Tasks.Get(r.Context(), id); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	res, err := h.Tasks.Replay(r.Context(), event.ReplayRequest{TaskID: id, AfterSeq: afterSeq, Limit: limit})
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) streamEvents(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusNotImplemented, "streaming not supported")
		return
	}
	events, err := h.Tasks.Watch(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		if err := writeSSEEvent(w, flusher, ev); err != nil {
			return
		}
	}
}

// writeSSEEvent writes one transition as a server-sent event.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev event.Transition) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Record.Seq, event.TypeTaskTransition, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// --- Push callbacks ---

type callbackResponse struct {
	TaskID string     `json:"task_id"`
	State  task.State `json:"state"`
}

// PushCallback handles POST /a2a/callbacks/{taskID}. Requests reach it only
// after push authentication has matched the task's token.
func (h *Handlers) PushCallback(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "taskID")
	u, ok := readJSON[a2a.Update](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	t, err := h.Tasks.HandleCallback(r.Context(), id, u)
	if err != nil {
		if domain.KindOf(err) == domain.KindMalformedResponse {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, callbackResponse{TaskID: t.ID, State: t.State})
}
