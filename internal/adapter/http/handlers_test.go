package http_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	sbhttp "github.com/Strob0t/switchboard/internal/adapter/http"
	"github.com/Strob0t/switchboard/internal/config"
	"github.com/Strob0t/switchboard/internal/domain"
	"github.com/Strob0t/switchboard/internal/domain/agentcard"
	"github.com/Strob0t/switchboard/internal/domain/event"
	"github.com/Strob0t/switchboard/internal/domain/health"
	"github.com/Strob0t/switchboard/internal/domain/task"
	"github.com/Strob0t/switchboard/internal/middleware"
	"github.com/Strob0t/switchboard/internal/port/a2a"
	"github.com/Strob0t/switchboard/internal/service"
)

// --- Mocks ---

type mockAgents struct {
	mu      sync.Mutex
	entries map[string]*agentcard.Entry
}

func (m *mockAgents) Register(_ context.Context, rawURL string) (*agentcard.Entry, error) {
	if !strings.HasPrefix(rawURL, "http") {
		return nil, &domain.DiscoveryError{URL: rawURL, Reason: domain.ReasonMalformedCard}
	}
	if strings.Contains(rawURL, "down") {
		return nil, &domain.DiscoveryError{URL: rawURL, Reason: domain.ReasonUnreachable}
	}
	e := &agentcard.Entry{ID: agentcard.IDFor(rawURL), BaseURL: rawURL, Epoch: 1}
	m.mu.Lock()
	m.entries[e.ID] = e
	m.mu.Unlock()
	return e, nil
}

func (m *mockAgents) Get(id string) (*agentcard.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return e, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockAgents) List() []*agentcard.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*agentcard.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

func (m *mockAgents) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.entries, id)
	return nil
}

func (m *mockAgents) Refresh(_ context.Context, id string) (*agentcard.Entry, error) {
	e, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	cp := *e
	cp.Epoch++
	return &cp, nil
}

type mockHealth struct {
	agents   *mockAgents
	probeErr error
}

func (m *mockHealth) Record(id string) (health.Record, error) {
	if _, err := m.agents.Get(id); err != nil {
		return health.Record{}, err
	}
	return health.Record{AgentID: id, Circuit: health.CircuitClosed}, nil
}

func (m *mockHealth) Probe(_ context.Context, id string) (health.Record, error) {
	rec, err := m.Record(id)
	if err != nil {
		return rec, err
	}
	if m.probeErr != nil {
		rec.Failures = 1
		rec.LastError = m.probeErr.Error()
	}
	return rec, m.probeErr
}

type mockTasks struct {
	mu        sync.Mutex
	tasks     map[string]*task.Task
	submitted []service.SubmitRequest
	submitErr error
	callbacks []a2a.Update
	events    []event.Transition
}

func (m *mockTasks) Submit(_ context.Context, req service.SubmitRequest) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, req)
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	mode := req.Mode
	if mode == "" {
		mode = task.ModeSync
	}
	t := task.New("task-1", "session-1", req.AgentID, mode, mode, req.ContentTypes, time.Now())
	if mode == task.ModeSync {
		t.State = task.StateCompleted
	}
	m.tasks[t.ID] = t
	return t, nil
}

func (m *mockTasks) Get(_ context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		return t, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockTasks) Cancel(ctx context.Context, id string) (*task.Task, error) {
	t, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Terminal() {
		return nil, domain.Errorf(domain.KindInvalidTransition, "task %s is %s", id, t.State)
	}
	t.State = task.StateCanceled
	return t, nil
}

func (m *mockTasks) ProvideInput(ctx context.Context, id string, msg task.Message) (*task.Task, error) {
	t, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(msg.Parts) == 0 {
		return nil, domain.ErrValidation
	}
	t.State = task.StateWorking
	return t, nil
}

func (m *mockTasks) ListBySession(_ context.Context, sessionID string) []*task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*task.Task
	for _, t := range m.tasks {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out
}

func (m *mockTasks) Watch(ctx context.Context, id string) (<-chan event.Transition, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	ch := make(chan event.Transition, len(m.events))
	for _, ev := range m.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (m *mockTasks) Replay(_ context.Context, req event.ReplayRequest) (event.ReplayResult, error) {
	return req.Filter(m.events), nil
}

func (m *mockTasks) HandleCallback(ctx context.Context, id string, u a2a.Update) (*task.Task, error) {
	t, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Empty() {
		return nil, domain.Errorf(domain.KindMalformedResponse, "update carries no status")
	}
	m.mu.Lock()
	m.callbacks = append(m.callbacks, u)
	m.mu.Unlock()
	if u.Status != nil {
		t.State = u.Status.State
	}
	return t, nil
}

// --- Router ---

type testEnv struct {
	router chi.Router
	agents *mockAgents
	health *mockHealth
	tasks  *mockTasks
	tokens map[string]string
}

func newTestEnv() *testEnv {
	agents := &mockAgents{entries: make(map[string]*agentcard.Entry)}
	env := &testEnv{
		agents: agents,
		health: &mockHealth{agents: agents},
		tasks:  &mockTasks{tasks: make(map[string]*task.Task)},
		tokens: map[string]string{"push-1": "tok-1"},
	}
	handlers := &sbhttp.Handlers{Agents: env.agents, Health: env.health, Tasks: env.tasks}
	r := chi.NewRouter()
	sbhttp.MountRoutes(r, handlers, sbhttp.CallbackAuth{
		Tokens: func(id string) (string, bool) {
			tok, ok := env.tokens[id]
			return tok, ok
		},
		Push:    config.Defaults().Push,
		Limiter: middleware.NewRateLimiter(100, 100),
	})
	env.router = r
	return env
}

func (e *testEnv) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) addTask(t *task.Task) {
	e.tasks.mu.Lock()
	e.tasks.tasks[t.ID] = t
	e.tasks.mu.Unlock()
}

// --- Agents ---

func TestRegisterAndGetAgent(t *testing.T) {
	env := newTestEnv()

	w := env.do("POST", "/api/v1/agents", map[string]string{"url": "http://echo.test"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var e agentcard.Entry
	if err := json.NewDecoder(w.Body).Decode(&e); err != nil {
		t.Fatal(err)
	}

	w = env.do("GET", "/api/v1/agents/"+e.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = env.do("GET", "/api/v1/agents", nil)
	var list []agentcard.Entry
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(list))
	}
}

func TestRegisterAgentErrors(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want int
		kind domain.Kind
	}{
		{"missing url", "", http.StatusBadRequest, ""},
		{"unreachable", "http://down.test", http.StatusBadGateway, domain.KindDiscovery},
		{"malformed card", "ftp://x", http.StatusUnprocessableEntity, domain.KindDiscovery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			w := env.do("POST", "/api/v1/agents", map[string]string{"url": tt.url})
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			var body map[string]any
			_ = json.NewDecoder(w.Body).Decode(&body)
			if tt.kind != "" && body["kind"] != string(tt.kind) {
				t.Fatalf("kind = %v, want %s", body["kind"], tt.kind)
			}
		})
	}
}

func TestAgentNotFound(t *testing.T) {
	env := newTestEnv()
	for _, tc := range []struct{ method, path string }{
		{"GET", "/api/v1/agents/nope"},
		{"DELETE", "/api/v1/agents/nope"},
		{"POST", "/api/v1/agents/nope/refresh"},
		{"GET", "/api/v1/agents/nope/health"},
		{"POST", "/api/v1/agents/nope/probe"},
	} {
		if w := env.do(tc.method, tc.path, nil); w.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", tc.method, tc.path, w.Code)
		}
	}
}

func TestDeleteAndRefreshAgent(t *testing.T) {
	env := newTestEnv()
	e, _ := env.agents.Register(context.Background(), "http://echo.test")

	w := env.do("POST", "/api/v1/agents/"+e.ID+"/refresh", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", w.Code)
	}
	var refreshed agentcard.Entry
	_ = json.NewDecoder(w.Body).Decode(&refreshed)
	if refreshed.Epoch != 2 {
		t.Fatalf("expected epoch 2, got %d", refreshed.Epoch)
	}

	if w := env.do("DELETE", "/api/v1/agents/"+e.ID, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", w.Code)
	}
	if w := env.do("GET", "/api/v1/agents/"+e.ID, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
}

func TestProbeAgentReportsFailureInBody(t *testing.T) {
	env := newTestEnv()
	e, _ := env.agents.Register(context.Background(), "http://echo.test")
	env.health.probeErr = domain.Errorf(domain.KindUnreachable, "connection refused")

	w := env.do("POST", "/api/v1/agents/"+e.ID+"/probe", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body["error"] == nil || body["consecutive_failures"] != float64(1) {
		t.Fatalf("body = %v", body)
	}

	env.health.probeErr = &domain.Error{Kind: domain.KindCircuitOpen, RetryAfter: 30 * time.Second}
	w = env.do("POST", "/api/v1/agents/"+e.ID+"/probe", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("open circuit: expected 503, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "30" {
		t.Fatalf("Retry-After = %q", got)
	}
}

// --- Tasks ---

func TestSubmitTask(t *testing.T) {
	env := newTestEnv()
	body := map[string]any{
		"agent_id":        "a1",
		"input":           task.TextMessage("user", "hi"),
		"idempotency_key": "from-body",
		"timeout_seconds": 5,
	}

	w := env.do("POST", "/api/v1/tasks", body, sbhttp.IdempotencyHeader, "from-header")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for a settled task, got %d: %s", w.Code, w.Body.String())
	}
	req := env.tasks.submitted[0]
	if req.IdempotencyKey != "from-header" {
		t.Errorf("idempotency key = %q, header must win", req.IdempotencyKey)
	}
	if req.Timeout != 5*time.Second {
		t.Errorf("timeout = %v", req.Timeout)
	}

	body["mode"] = "stream"
	w = env.do("POST", "/api/v1/tasks", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for an in-flight task, got %d", w.Code)
	}
}

func TestSubmitTaskErrors(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		err  error
		want int
	}{
		{"missing agent", map[string]any{"input": task.TextMessage("user", "hi")}, nil, http.StatusBadRequest},
		{"negative timeout", map[string]any{"agent_id": "a1", "timeout_seconds": -1}, nil, http.StatusBadRequest},
		{"validation", map[string]any{"agent_id": "a1"}, domain.ErrValidation, http.StatusBadRequest},
		{"unknown agent", map[string]any{"agent_id": "a1"}, domain.ErrNotFound, http.StatusNotFound},
		{"content type", map[string]any{"agent_id": "a1"}, domain.Errorf(domain.KindContentTypeUnsupported, "no overlap"), http.StatusUnsupportedMediaType},
		{"unavailable", map[string]any{"agent_id": "a1"}, &domain.Error{Kind: domain.KindAgentUnavailable, RetryAfter: 10 * time.Second}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			env.tasks.submitErr = tt.err
			w := env.do("POST", "/api/v1/tasks", tt.body)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestUnavailableErrorBody(t *testing.T) {
	env := newTestEnv()
	env.tasks.submitErr = &domain.Error{Kind: domain.KindAgentUnavailable, Message: "circuit open", RetryAfter: 10 * time.Second}
	w := env.do("POST", "/api/v1/tasks", map[string]any{"agent_id": "a1"})

	var body struct {
		Kind              domain.Kind `json:"kind"`
		Retryable         bool        `json:"retryable"`
		RetryAfterSeconds int         `json:"retry_after_seconds"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Kind != domain.KindAgentUnavailable || !body.Retryable || body.RetryAfterSeconds != 10 {
		t.Fatalf("body = %+v", body)
	}
}

func TestCancelTask(t *testing.T) {
	env := newTestEnv()
	tk := task.New("t1", "s1", "a1", task.ModeStream, task.ModeStream, task.ContentTypes{}, time.Now())
	env.addTask(tk)

	if w := env.do("POST", "/api/v1/tasks/t1/cancel", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := env.do("POST", "/api/v1/tasks/t1/cancel", nil); w.Code != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", w.Code)
	}
	if w := env.do("POST", "/api/v1/tasks/missing/cancel", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestProvideInput(t *testing.T) {
	env := newTestEnv()
	tk := task.New("t1", "s1", "a1", task.ModeStream, task.ModeStream, task.ContentTypes{}, time.Now())
	tk.State = task.StateInputRequired
	env.addTask(tk)

	w := env.do("POST", "/api/v1/tasks/t1/input", task.TextMessage("user", "more"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do("POST", "/api/v1/tasks/t1/input", task.Message{Role: "user"}); w.Code != http.StatusBadRequest {
		t.Fatalf("empty input: expected 400, got %d", w.Code)
	}
}

func TestListSessionTasks(t *testing.T) {
	env := newTestEnv()
	env.addTask(task.New("t1", "s1", "a1", task.ModeSync, task.ModeSync, task.ContentTypes{}, time.Now()))
	env.addTask(task.New("t2", "s2", "a1", task.ModeSync, task.ModeSync, task.ContentTypes{}, time.Now()))

	w := env.do("GET", "/api/v1/sessions/s1/tasks", nil)
	var tasks []task.Task
	if err := json.NewDecoder(w.Body).Decode(&tasks); err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Fatalf("tasks = %+v", tasks)
	}

	w = env.do("GET", "/api/v1/sessions/none/tasks", nil)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %s", w.Body.String())
	}
}

func seedEvents(env *testEnv) {
	tk := task.New("t1", "s1", "a1", task.ModeStream, task.ModeStream, task.ContentTypes{}, time.Now())
	env.addTask(tk)
	for i, st := range []task.State{task.StateSubmitted, task.StateWorking, task.StateCompleted} {
		env.tasks.events = append(env.tasks.events, event.Transition{
			ID:     "e" + string(rune('1'+i)),
			TaskID: "t1",
			Record: task.Transition{Seq: i + 1, To: st},
		})
	}
}

func TestTaskEventsReplay(t *testing.T) {
	env := newTestEnv()
	seedEvents(env)

	w := env.do("GET", "/api/v1/tasks/t1/events?after_seq=1&limit=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var res event.ReplayResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Count != 1 || res.Events[0].Record.Seq != 2 {
		t.Fatalf("result = %+v", res)
	}

	if w := env.do("GET", "/api/v1/tasks/t1/events?limit=x", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: expected 400, got %d", w.Code)
	}
	if w := env.do("GET", "/api/v1/tasks/missing/events", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown task: expected 404, got %d", w.Code)
	}
}

func TestTaskEventsFollow(t *testing.T) {
	env := newTestEnv()
	seedEvents(env)

	w := env.do("GET", "/api/v1/tasks/t1/events?follow=true", nil)
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var seqs []int
	sc := bufio.NewScanner(w.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev event.Transition
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatal(err)
		}
		seqs = append(seqs, ev.Record.Seq)
	}
	if len(seqs) != 3 || seqs[2] != 3 {
		t.Fatalf("streamed seqs = %v", seqs)
	}
}

// --- Push callbacks ---

func TestPushCallback(t *testing.T) {
	env := newTestEnv()
	tk := task.New("push-1", "s1", "a1", task.ModePush, task.ModePush, task.ContentTypes{}, time.Now())
	env.addTask(tk)
	push := config.Defaults().Push
	update := a2a.Update{ID: "push-1", Status: &a2a.TaskStatus{State: task.StateWorking}}

	if w := env.do("POST", "/a2a/callbacks/push-1", update); w.Code != http.StatusUnauthorized {
		t.Fatalf("no credentials: expected 401, got %d", w.Code)
	}
	if w := env.do("POST", "/a2a/callbacks/push-1", update, push.TokenHeader, "wrong"); w.Code != http.StatusForbidden {
		t.Fatalf("wrong token: expected 403, got %d", w.Code)
	}
	if w := env.do("POST", "/a2a/callbacks/other", update, push.TokenHeader, "tok-1"); w.Code != http.StatusNotFound {
		t.Fatalf("unknown registration: expected 404, got %d", w.Code)
	}

	w := env.do("POST", "/a2a/callbacks/push-1", update, push.TokenHeader, "tok-1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	payload, _ := json.Marshal(a2a.Update{ID: "push-1", Status: &a2a.TaskStatus{State: task.StateCompleted}})
	w = env.do("POST", "/a2a/callbacks/push-1", json.RawMessage(payload), push.SignatureHeader, middleware.Sign(payload, "tok-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("signed callback: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(env.tasks.callbacks) != 2 {
		t.Fatalf("expected 2 callbacks, got %d", len(env.tasks.callbacks))
	}
}

func TestPushCallbackMalformed(t *testing.T) {
	env := newTestEnv()
	env.addTask(task.New("push-1", "s1", "a1", task.ModePush, task.ModePush, task.ContentTypes{}, time.Now()))
	w := env.do("POST", "/a2a/callbacks/push-1", a2a.Update{ID: "push-1"}, config.Defaults().Push.TokenHeader, "tok-1")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestVersionEndpoint(t *testing.T) {
	env := newTestEnv()
	w := env.do("GET", "/api/v1/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result["version"] != "0.1.0" {
		t.Fatalf("expected version 0.1.0, got %q", result["version"])
	}
}
