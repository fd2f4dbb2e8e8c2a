package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdk "github.com/a2aproject/a2a-go/a2a"
	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/switchboard/internal/domain"
	"github.com/Strob0t/switchboard/internal/domain/task"
)

type fakeTasks struct {
	tasks map[string]*task.Task
}

func (f *fakeTasks) Get(_ context.Context, id string) (*task.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t, nil
}

func (f *fakeTasks) Cancel(_ context.Context, id string) (*task.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if _, err := t.Apply(task.Event{State: task.StateCanceled, Source: task.SourceCaller, At: time.Now()}); err != nil {
		return nil, err
	}
	return t, nil
}

func newTestRouter() (*chi.Mux, *fakeTasks) {
	ft := &fakeTasks{tasks: map[string]*task.Task{}}
	now := time.Now()
	tk := task.New("t-1", "s-1", "a-1", task.ModeSync, task.ModeSync, task.DefaultContentTypes, now)
	msg := task.TextMessage("agent", "first")
	_, _ = tk.Apply(task.Event{State: task.StateWorking, Source: task.SourceSync, At: now, Message: &msg})
	msg2 := task.TextMessage("agent", "second")
	_, _ = tk.Apply(task.Event{State: task.StateWorking, Source: task.SourceSync, At: now, Message: &msg2})
	ft.tasks[tk.ID] = tk

	h := NewHandler(func() sdk.AgentCard { return BuildAgentCard("http://localhost:8080", "test") }, ft)
	r := chi.NewRouter()
	h.MountRoutes(r)
	return r, ft
}

func rpc(t *testing.T, r http.Handler, method string, params any) Response {
	t.Helper()
	raw, _ := json.Marshal(params)
	body, _ := json.Marshal(Request{JSONRPC: JSONRPCVersion, ID: 1, Method: method, Params: raw})
	req := httptest.NewRequest(http.MethodPost, "/a2a", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestAgentCard(t *testing.T) {
	r, _ := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/.well-known/agent.json", http.NoBody)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var card sdk.AgentCard
	if err := json.NewDecoder(w.Body).Decode(&card); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if card.Name != "Switchboard" || card.URL != "http://localhost:8080" {
		t.Fatalf("unexpected card %+v", card)
	}
}

func TestRPCGetTrimsHistory(t *testing.T) {
	r, _ := newTestRouter()
	one := 1
	resp := rpc(t, r, MethodGet, TaskQueryParams{ID: "t-1", HistoryLength: &one})
	if resp.Error != nil {
		t.Fatalf("unexpected error %v", resp.Error)
	}
	var got Task
	if err := json.Unmarshal(resp.Result, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status.State != task.StateWorking {
		t.Fatalf("expected working, got %s", got.Status.State)
	}
	if len(got.History) != 1 || got.History[0].Text() != "second" {
		t.Fatalf("expected only the latest message, got %+v", got.History)
	}
}

func TestRPCGetUnknownTask(t *testing.T) {
	r, _ := newTestRouter()
	resp := rpc(t, r, MethodGet, TaskQueryParams{ID: "missing"})
	if resp.Error == nil || resp.Error.Code != CodeTaskNotFound {
		t.Fatalf("expected TaskNotFound, got %+v", resp.Error)
	}
}

func TestRPCCancelTwice(t *testing.T) {
	r, _ := newTestRouter()
	resp := rpc(t, r, MethodCancel, TaskIDParams{ID: "t-1"})
	if resp.Error != nil {
		t.Fatalf("first cancel: %v", resp.Error)
	}
	resp = rpc(t, r, MethodCancel, TaskIDParams{ID: "t-1"})
	if resp.Error == nil || resp.Error.Code != CodeTaskNotCancelable {
		t.Fatalf("expected TaskNotCancelable, got %+v", resp.Error)
	}
}

func TestRPCUnsupportedMethod(t *testing.T) {
	r, _ := newTestRouter()
	resp := rpc(t, r, MethodSend, TaskSendParams{ID: "x"})
	if resp.Error == nil || resp.Error.Code != CodeUnsupportedOperation {
		t.Fatalf("expected UnsupportedOperation, got %+v", resp.Error)
	}
	resp = rpc(t, r, "tasks/unknown", nil)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected MethodNotFound, got %+v", resp.Error)
	}
}
