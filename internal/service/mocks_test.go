package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	sdk "github.com/a2aproject/a2a-go/a2a"

	"github.com/Strob0t/switchboard/internal/config"
	"github.com/Strob0t/switchboard/internal/domain"
	"github.com/Strob0t/switchboard/internal/domain/health"
	"github.com/Strob0t/switchboard/internal/domain/task"
	"github.com/Strob0t/switchboard/internal/port/a2a"
	"github.com/Strob0t/switchboard/internal/port/delivery"
)

var discard = slog.New(slog.DiscardHandler)

// --- clock ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// --- card fetcher ---

type fakeFetcher struct {
	mu          sync.Mutex
	cards       map[string]sdk.AgentCard
	calls       int
	invalidated []string
	gate        chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{cards: make(map[string]sdk.AgentCard)}
}

func (f *fakeFetcher) add(cardURL string, card sdk.AgentCard) {
	f.mu.Lock()
	f.cards[cardURL] = card
	f.mu.Unlock()
}

func (f *fakeFetcher) Fetch(_ context.Context, cardURL string) (sdk.AgentCard, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	card, ok := f.cards[cardURL]
	if !ok {
		return sdk.AgentCard{}, &domain.DiscoveryError{URL: cardURL, Reason: domain.ReasonUnreachable}
	}
	return card, nil
}

func (f *fakeFetcher) Invalidate(_ context.Context, cardURL string) error {
	f.mu.Lock()
	f.invalidated = append(f.invalidated, cardURL)
	f.mu.Unlock()
	return nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// --- prober ---

type fakeProber struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (p *fakeProber) Probe(context.Context, string, string) (health.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return health.Status{}, p.err
	}
	return health.Status{Status: "ok", Version: "1.2.0"}, nil
}

func (p *fakeProber) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fakeProber) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// --- delivery channel ---

type fakeChannel struct {
	mode task.Mode

	mu      sync.Mutex
	calls   int
	reqs    []delivery.Request
	deliver func(ctx context.Context, req delivery.Request, emit func(delivery.Update)) error
}

func (c *fakeChannel) Mode() task.Mode { return c.mode }

func (c *fakeChannel) Deliver(ctx context.Context, req delivery.Request, emit func(delivery.Update)) error {
	c.mu.Lock()
	c.calls++
	c.reqs = append(c.reqs, req)
	fn := c.deliver
	c.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, req, emit)
}

func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeChannel) lastRequest() delivery.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reqs[len(c.reqs)-1]
}

// completeWith returns a delivery that reports working, then completed with text.
func completeWith(text string) func(context.Context, delivery.Request, func(delivery.Update)) error {
	return func(_ context.Context, _ delivery.Request, emit func(delivery.Update)) error {
		emit(delivery.Update{State: task.StateWorking, Source: task.SourceSync})
		msg := task.TextMessage("agent", text)
		emit(delivery.Update{State: task.StateCompleted, Message: &msg, Final: true, Source: task.SourceSync, Fingerprint: "done"})
		return nil
	}
}

// --- a2a caller ---

type fakeCaller struct {
	a2a.Caller

	mu       sync.Mutex
	canceled []string
	events   []*a2a.Update
}

func (c *fakeCaller) SendSubscribe(context.Context, string, a2a.TaskSendParams) (a2a.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &eventStream{events: append([]*a2a.Update(nil), c.events...)}, nil
}

func (c *fakeCaller) Cancel(_ context.Context, _ string, p a2a.TaskIDParams) (*a2a.Task, error) {
	c.mu.Lock()
	c.canceled = append(c.canceled, p.ID)
	c.mu.Unlock()
	return &a2a.Task{ID: p.ID, Status: a2a.TaskStatus{State: task.StateCanceled}}, nil
}

func (c *fakeCaller) canceledIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.canceled...)
}

// eventStream replays fixed events and then reports io.EOF.
type eventStream struct {
	events []*a2a.Update
}

func (s *eventStream) Next() (*a2a.Update, error) {
	if len(s.events) == 0 {
		return nil, io.EOF
	}
	u := s.events[0]
	s.events = s.events[1:]
	return u, nil
}

func (s *eventStream) Close() error { return nil }

// --- fixture ---

const (
	echoURL     = "http://echo.test"
	echoCardURL = "http://echo.test/.well-known/agent.json"
)

func echoCard(streaming, push bool) sdk.AgentCard {
	return sdk.AgentCard{
		Name:               "Echo",
		URL:                "http://echo.test/rpc",
		Version:            "1.0.0",
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text"},
		Capabilities:       sdk.AgentCapabilities{Streaming: streaming, PushNotifications: push},
	}
}

type fixture struct {
	clock    *fakeClock
	fetcher  *fakeFetcher
	prober   *fakeProber
	caller   *fakeCaller
	channels map[task.Mode]*fakeChannel
	agents   *AgentRegistry
	sup      *Supervisor
	tasks    *TaskRegistry
	tokens   *PushTokens
	machine  *Machine
	agentID  string
}

func newFixture(t *testing.T, card sdk.AgentCard) *fixture {
	t.Helper()
	f := &fixture{
		clock:   newFakeClock(),
		fetcher: newFakeFetcher(),
		prober:  &fakeProber{},
		caller:  &fakeCaller{},
		channels: map[task.Mode]*fakeChannel{
			task.ModeSync:   {mode: task.ModeSync},
			task.ModeStream: {mode: task.ModeStream},
			task.ModePush:   {mode: task.ModePush},
		},
	}
	f.fetcher.add(echoCardURL, card)

	sinks := NewEventSinks("test", discard)
	f.agents = NewAgentRegistry(f.fetcher, config.Discovery{WellKnownPath: "/.well-known/agent.json"}, sinks, discard)
	f.agents.now = f.clock.Now
	f.sup = NewSupervisor(f.agents, f.prober,
		config.Breaker{Threshold: 3, BaseBackoff: 30 * time.Second, MaxBackoff: 5 * time.Minute},
		config.Health{Timeout: time.Second, Concurrency: 2}, sinks, discard)
	f.sup.SetClock(f.clock.Now)
	f.agents.AddHook(f.sup)
	f.tasks = NewTaskRegistry(sinks, discard)
	f.tokens = NewPushTokens("test-secret")

	chans := make(map[task.Mode]delivery.Channel, len(f.channels))
	for mode, ch := range f.channels {
		chans[mode] = ch
	}
	f.machine = NewMachine(MachineDeps{
		Agents:     f.agents,
		Supervisor: f.sup,
		Channels:   chans,
		Tasks:      f.tasks,
		Tokens:     f.tokens,
		Caller:     f.caller,
		PublicURL:  "http://switchboard.test",
	}, config.Delivery{DefaultMode: "sync", MaxInFlight: 4}, discard)
	f.machine.SetClock(f.clock.Now)

	e, err := f.agents.Register(context.Background(), echoURL)
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	f.agentID = e.ID
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		_ = f.machine.Close(ctx)
	})
	return f
}

func (f *fixture) submit(t *testing.T, req SubmitRequest) *task.Task {
	t.Helper()
	if req.AgentID == "" {
		req.AgentID = f.agentID
	}
	if len(req.Input.Parts) == 0 {
		req.Input = task.TextMessage("user", "hello")
	}
	tk, err := f.machine.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return tk
}

// waitState polls until the task reaches state or the deadline passes.
func (f *fixture) waitState(t *testing.T, id string, state task.State) *task.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		tk, err := f.tasks.Get(id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if tk.State == state {
			return tk
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s is %s, want %s", id, tk.State, state)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func states(tk *task.Task) []task.State {
	out := make([]task.State, 0, len(tk.Transitions))
	for _, tr := range tk.Transitions {
		out = append(out, tr.To)
	}
	return out
}
