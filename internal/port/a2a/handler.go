package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	sdk "github.com/a2aproject/a2a-go/a2a"
	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/switchboard/internal/domain"
	"github.com/Strob0t/switchboard/internal/domain/task"
)

// TaskService is the subset of the task state machine exposed to A2A peers.
type TaskService interface {
	Get(ctx context.Context, id string) (*task.Task, error)
	Cancel(ctx context.Context, id string) (*task.Task, error)
}

// Handler serves the A2A protocol endpoints of this service.
type Handler struct {
	card  func() sdk.AgentCard
	tasks TaskService
}

// NewHandler creates an A2A handler publishing card and answering
// tasks/get and tasks/cancel from tasks.
func NewHandler(card func() sdk.AgentCard, tasks TaskService) *Handler {
	return &Handler{card: card, tasks: tasks}
}

// MountRoutes registers A2A routes on the given chi router.
// These are mounted at the root level, not under /api/v1.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get(WellKnownAgentCardURI, h.handleAgentCard)
	r.Post("/a2a", h.handleRPC)
}

func (h *Handler) handleAgentCard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.card())
}

func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeRPC(w, Response{JSONRPC: JSONRPCVersion, Error: &RPCError{Code: CodeParseError, Message: "invalid JSON"}})
		return
	}
	if req.JSONRPC != JSONRPCVersion || req.Method == "" {
		writeRPC(w, Response{JSONRPC: JSONRPCVersion, ID: req.ID, Error: &RPCError{Code: CodeInvalidRequest, Message: "invalid request"}})
		return
	}

	var (
		result any
		rpcErr *RPCError
	)
	switch req.Method {
	case MethodGet:
		var p TaskQueryParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
			rpcErr = &RPCError{Code: CodeInvalidParams, Message: "id is required"}
			break
		}
		t, err := h.tasks.Get(r.Context(), p.ID)
		if err != nil {
			rpcErr = toRPCError(err)
			break
		}
		result = ToWire(t, p.HistoryLength)
	case MethodCancel:
		var p TaskIDParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
			rpcErr = &RPCError{Code: CodeInvalidParams, Message: "id is required"}
			break
		}
		t, err := h.tasks.Cancel(r.Context(), p.ID)
		if err != nil {
			rpcErr = toRPCError(err)
			break
		}
		result = ToWire(t, nil)
	case MethodSend, MethodSendSubscribe, MethodSetPushConfig, MethodGetPushConfig, MethodResubscribe:
		rpcErr = &RPCError{Code: CodeUnsupportedOperation, Message: req.Method + " is not supported by this agent"}
	default:
		rpcErr = &RPCError{Code: CodeMethodNotFound, Message: "method not found"}
	}

	resp := Response{JSONRPC: JSONRPCVersion, ID: req.ID, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			slog.Error("a2a encode result", "method", req.Method, "error", err)
			resp.Error = &RPCError{Code: CodeInternalError, Message: "internal error"}
		} else {
			resp.Result = raw
		}
	}
	writeRPC(w, resp)
}

func toRPCError(err error) *RPCError {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return &RPCError{Code: CodeTaskNotFound, Message: "task not found"}
	case errors.Is(err, domain.ErrInvalidTransition):
		return &RPCError{Code: CodeTaskNotCancelable, Message: "task cannot be canceled"}
	default:
		slog.Error("a2a rpc", "error", err)
		return &RPCError{Code: CodeInternalError, Message: "internal error"}
	}
}

func writeRPC(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// ToWire renders a task in the A2A wire format. historyLength, when set,
// keeps only the most recent messages.
func ToWire(t *task.Task, historyLength *int) Task {
	out := Task{
		ID:        t.ID,
		SessionID: t.SessionID,
		Status:    TaskStatus{State: t.State, Timestamp: t.UpdatedAt.UTC().Format(time.RFC3339Nano)},
		Artifacts: t.Artifacts,
	}
	var history []task.Message
	for i := range t.Transitions {
		if m := t.Transitions[i].Message; m != nil {
			history = append(history, *m)
		}
	}
	if n := len(history); n > 0 {
		out.Status.Message = &history[n-1]
	}
	if historyLength != nil {
		keep := max(*historyLength, 0)
		if len(history) > keep {
			history = history[len(history)-keep:]
		}
		out.History = history
	}
	if t.Failure != nil {
		out.Metadata = map[string]any{"failure": t.Failure}
	}
	return out
}
