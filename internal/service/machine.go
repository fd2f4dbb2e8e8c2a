package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/switchboard/internal/adapter/otel"
	"github.com/Strob0t/switchboard/internal/config"
	"github.com/Strob0t/switchboard/internal/domain"
	"github.com/Strob0t/switchboard/internal/domain/agentcard"
	"github.com/Strob0t/switchboard/internal/domain/event"
	"github.com/Strob0t/switchboard/internal/domain/task"
	"github.com/Strob0t/switchboard/internal/logger"
	"github.com/Strob0t/switchboard/internal/port/a2a"
	"github.com/Strob0t/switchboard/internal/port/delivery"
	"github.com/Strob0t/switchboard/internal/resilience"
)

// CallbackPath is the route prefix push notifications are posted to.
const CallbackPath = "/a2a/callbacks/"

const remoteCancelTimeout = 5 * time.Second

// SubmitRequest describes a task a caller wants delegated to an agent.
type SubmitRequest struct {
	AgentID        string            `json:"agent_id"`
	SessionID      string            `json:"session_id,omitempty"`
	Input          task.Message      `json:"input"`
	ContentTypes   task.ContentTypes `json:"content_types"`
	Mode           task.Mode         `json:"mode,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	// CallbackURL overrides the public base URL remote agents post push
	// notifications to.
	CallbackURL string         `json:"callback_url,omitempty"`
	Timeout     time.Duration  `json:"timeout,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Validate checks the caller supplied fields.
func (r *SubmitRequest) Validate() error {
	if r.AgentID == "" {
		return fmt.Errorf("agent_id is required: %w", domain.ErrValidation)
	}
	if len(r.Input.Parts) == 0 {
		return fmt.Errorf("input must have at least one part: %w", domain.ErrValidation)
	}
	if r.Mode != "" && !r.Mode.Valid() {
		return fmt.Errorf("unknown mode %q: %w", r.Mode, domain.ErrValidation)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative: %w", domain.ErrValidation)
	}
	return nil
}

// flight is the cancel handle of one in-flight delivery.
type flight struct {
	cancel context.CancelFunc
}

// Machine drives tasks through their lifecycle: it selects a delivery mode,
// dispatches each task on its own goroutine, and applies remote updates,
// caller actions and failures to the task registry.
type Machine struct {
	agents     AgentLookup
	supervisor *Supervisor
	channels   map[task.Mode]delivery.Channel
	tasks      *TaskRegistry
	tokens     *PushTokens
	caller     a2a.Caller
	pool       *resilience.Pool
	keys       *resilience.KeyedMutex
	cfg        config.Delivery
	publicURL  string
	metrics    *otel.Metrics
	log        *slog.Logger

	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	inflight map[string]*flight
	closed   bool
	wg       sync.WaitGroup
}

// MachineDeps bundles the collaborators of a Machine.
type MachineDeps struct {
	Agents     AgentLookup
	Supervisor *Supervisor
	Channels   map[task.Mode]delivery.Channel
	Tasks      *TaskRegistry
	Tokens     *PushTokens
	// Caller sends best-effort tasks/cancel requests. Optional.
	Caller    a2a.Caller
	PublicURL string
}

// NewMachine creates a Machine.
func NewMachine(deps MachineDeps, cfg config.Delivery, log *slog.Logger) *Machine {
	return &Machine{
		agents:     deps.Agents,
		supervisor: deps.Supervisor,
		channels:   deps.Channels,
		tasks:      deps.Tasks,
		tokens:     deps.Tokens,
		caller:     deps.Caller,
		publicURL:  deps.PublicURL,
		pool:       resilience.NewPool(cfg.MaxInFlight),
		keys:       resilience.NewKeyedMutex(),
		cfg:        cfg,
		log:        log,
		now:        time.Now,
		newID:      uuid.NewString,
		inflight:   make(map[string]*flight),
	}
}

// SetMetrics attaches OTel instruments.
func (m *Machine) SetMetrics(metrics *otel.Metrics) { m.metrics = metrics }

// SetClock replaces the time source used to stamp transitions.
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// Submit creates a task and dispatches it to the agent. Synchronous tasks
// are awaited until they settle or ctx ends; streaming and push tasks are
// returned as soon as they are dispatched. A task whose agent is
// unavailable is created failed without any network call.
func (m *Machine) Submit(ctx context.Context, req SubmitRequest) (*task.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	t, e, dispatch, err := m.create(ctx, req)
	if err != nil || !dispatch {
		return t, err
	}

	ctx = logger.WithTask(ctx, t.ID, e.ID)
	done := m.dispatch(ctx, t, e, *t.Transitions[0].Message, req.Timeout, req.Metadata)
	if t.Mode == task.ModeSync {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return m.tasks.Get(t.ID)
}

// create records a new task for req, or returns the unsettled task already
// submitted with the same idempotency key. dispatch reports whether the
// returned task still has to be sent to the agent.
func (m *Machine) create(ctx context.Context, req SubmitRequest) (t *task.Task, e *agentcard.Entry, dispatch bool, err error) {
	want := req.Mode
	if want == "" {
		want = task.Mode(m.cfg.DefaultMode)
	}
	if !want.Valid() {
		want = task.ModeSync
	}

	if req.IdempotencyKey != "" {
		unlock := m.keys.Lock(idempotencyIndex(req.AgentID, req.IdempotencyKey))
		defer unlock()
		if prev, ok := m.tasks.FindByKey(req.AgentID, req.IdempotencyKey); ok && !prev.Terminal() {
			logger.From(ctx, m.log).Info("idempotent resubmission", "task_id", prev.ID, "key", req.IdempotencyKey)
			return prev, nil, false, nil
		}
	}

	e, err = m.agents.Get(req.AgentID)
	if err != nil {
		return nil, nil, false, err
	}
	ct, err := task.Negotiate(req.ContentTypes, e.Card.DefaultInputModes, e.Card.DefaultOutputModes)
	if err != nil {
		return nil, nil, false, err
	}

	id := m.newID()
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = m.newID()
	}
	ctx = logger.WithTask(ctx, id, e.ID)
	mode, callback := m.selectMode(ctx, e, want, req.CallbackURL, id)

	input := req.Input
	if input.Role == "" {
		input.Role = "user"
	}
	now := m.now()
	t = task.New(id, sessionID, e.ID, mode, want, ct, now)
	t.Transitions[0].Message = &input
	t.IdempotencyKey = req.IdempotencyKey
	t.CallbackURL = callback
	m.metrics.TaskSubmitted(ctx, e.ID, string(mode))

	if !m.supervisor.IsAvailable(e.ID) {
		f := task.FailureFrom(m.unavailable(e.ID))
		if _, err := t.Apply(task.Event{State: task.StateFailed, Source: task.SourceLocal, At: now, Failure: f}); err != nil {
			return nil, nil, false, err
		}
		if err := m.tasks.Record(ctx, t); err != nil {
			return nil, nil, false, err
		}
		logger.From(ctx, m.log).Warn("task rejected, agent unavailable", "retry_after_seconds", f.RetryAfterSeconds)
		m.finished(ctx, t)
		return t.Clone(), e, false, nil
	}

	if err := m.tasks.Record(ctx, t); err != nil {
		return nil, nil, false, err
	}
	logger.From(ctx, m.log).Info("task submitted", "session_id", sessionID, "mode", mode, "requested_mode", want)
	return t, e, true, nil
}

// selectMode downgrades the wanted mode to what the agent supports: push
// falls back to streaming, streaming to sync. Push also needs a callback
// base URL. It returns the chosen mode and, for push, the callback URL.
func (m *Machine) selectMode(ctx context.Context, e *agentcard.Entry, want task.Mode, callbackBase, taskID string) (task.Mode, string) {
	mode := want
	var callback string
	if mode == task.ModePush {
		base := callbackBase
		if base == "" {
			base = m.publicURL
		}
		if e.SupportsPush() && base != "" && m.channels[task.ModePush] != nil {
			callback = strings.TrimRight(base, "/") + CallbackPath + url.PathEscape(taskID)
		} else {
			mode = task.ModeStream
		}
	}
	if mode == task.ModeStream && (!e.SupportsStreaming() || m.channels[task.ModeStream] == nil) {
		mode = task.ModeSync
	}
	if mode != want {
		logger.From(ctx, m.log).Info("delivery mode downgraded", "requested", want, "selected", mode)
		m.metrics.Downgraded(ctx, string(want), string(mode))
	}
	return mode, callback
}

func (m *Machine) unavailable(agentID string) error {
	retry := m.supervisor.RetryIn(agentID)
	return &domain.Error{
		Kind:       domain.KindAgentUnavailable,
		Message:    fmt.Sprintf("agent %s unavailable, retry in %s", agentID, retry.Round(time.Second)),
		RetryAfter: retry,
	}
}

// dispatch sends one turn of t on its own goroutine. The returned channel
// is closed once the delivery has returned and its outcome is recorded.
func (m *Machine) dispatch(ctx context.Context, t *task.Task, e *agentcard.Entry, msg task.Message, timeout time.Duration, meta map[string]any) <-chan struct{} {
	ctx = context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	f := &flight{cancel: cancel}
	done := make(chan struct{})
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.finish(ctx, t.ID, domain.Errorf(domain.KindCanceled, "shutting down, task not dispatched"))
		cancel()
		close(done)
		return done
	}
	if prev, ok := m.inflight[t.ID]; ok {
		prev.cancel()
	}
	m.inflight[t.ID] = f
	m.wg.Add(1)
	m.mu.Unlock()

	req := delivery.Request{
		TaskID:       t.ID,
		SessionID:    t.SessionID,
		AgentID:      t.AgentID,
		Endpoint:     e.Endpoint(),
		Message:      msg,
		ContentTypes: t.ContentTypes,
		CallbackURL:  t.CallbackURL,
		Metadata:     meta,
	}
	if t.Mode == task.ModePush {
		req.CallbackToken = m.tokens.Issue(t.ID)
	}

	go func() {
		defer m.wg.Done()
		defer close(done)
		defer m.untrack(t.ID, f)
		defer cancel()

		err := m.pool.Run(ctx, func() error {
			return m.deliver(ctx, t.Mode, req)
		})
		switch {
		case err == nil || domain.KindOf(err) != "":
		case errors.Is(err, context.DeadlineExceeded):
			err = domain.Wrap(domain.KindTimeout, err, "no delivery slot before deadline")
		case errors.Is(err, context.Canceled):
			err = domain.Wrap(domain.KindCanceled, err, "delivery canceled")
		}
		m.finish(ctx, t.ID, err)
	}()
	return done
}

func (m *Machine) deliver(ctx context.Context, mode task.Mode, req delivery.Request) error {
	ctx, span := otel.StartDeliverySpan(ctx, req.TaskID, req.AgentID, string(mode))
	defer span.End()

	ch := m.channels[mode]
	if ch == nil {
		return fmt.Errorf("no %s delivery channel: %w", mode, domain.ErrValidation)
	}
	start := m.now()
	err := m.supervisor.Guard(ctx, req.AgentID, func(ctx context.Context) error {
		return ch.Deliver(ctx, req, func(u delivery.Update) {
			m.apply(ctx, req.TaskID, u)
		})
	})
	if domain.KindOf(err) == domain.KindCircuitOpen {
		err = m.unavailable(req.AgentID)
	}
	if err != nil {
		span.RecordError(err)
	}
	logger.From(ctx, m.log).Debug("delivery returned", "mode", mode, "took", m.now().Sub(start), "error", err)
	return err
}

func (m *Machine) untrack(id string, f *flight) {
	m.mu.Lock()
	if m.inflight[id] == f {
		delete(m.inflight, id)
	}
	m.mu.Unlock()
}

func (m *Machine) abort(id string) {
	m.mu.Lock()
	f, ok := m.inflight[id]
	delete(m.inflight, id)
	m.mu.Unlock()
	if ok {
		f.cancel()
	}
}

// apply records one remote update. Stale, duplicate and backward updates
// are dropped, as is anything arriving after the task settled.
func (m *Machine) apply(ctx context.Context, id string, u delivery.Update) {
	var changed bool
	t, err := m.tasks.Update(ctx, id, func(t *task.Task) (bool, error) {
		if t.Terminal() {
			return false, nil
		}
		ev := task.Event{
			State:       u.State,
			Source:      u.Source,
			At:          m.now(),
			RemoteAt:    u.Timestamp,
			Artifact:    u.Artifact,
			Fingerprint: u.Fingerprint,
		}
		var msgID string
		if u.Message != nil {
			msgID = m.newID()
			msg := stampMessage(*u.Message, msgID, t.LastMessageID)
			ev.Message = &msg
		}
		if u.State == task.StateFailed {
			reason := "agent reported failure"
			if text := u.Message.Text(); text != "" {
				reason = text
			}
			ev.Failure = &task.Failure{Kind: domain.KindRemoteError, Message: reason}
		}
		ok, err := t.Apply(ev)
		if ok && msgID != "" {
			t.LastMessageID = msgID
		}
		changed = ok
		return ok, err
	})
	if err != nil {
		logger.From(ctx, m.log).Debug("remote update rejected", "task_id", id, "state", u.State, "error", err)
		return
	}
	if changed && t.Terminal() {
		m.finished(ctx, t)
	}
}

// stampMessage copies msg and tags it with its own id and the id of the
// message it follows.
func stampMessage(msg task.Message, id, previous string) task.Message {
	md := make(map[string]any, len(msg.Metadata)+2)
	maps.Copy(md, msg.Metadata)
	md["message_id"] = id
	if previous != "" {
		md["last_message_id"] = previous
	} else {
		delete(md, "last_message_id")
	}
	msg.Metadata = md
	return msg
}

// finish fails a task that is not yet settled with the reason carried by err.
func (m *Machine) finish(ctx context.Context, id string, err error) {
	if err == nil {
		return
	}
	f := task.FailureFrom(err)
	var changed bool
	t, uerr := m.tasks.Update(ctx, id, func(t *task.Task) (bool, error) {
		if t.Terminal() {
			return false, nil
		}
		ok, err := t.Apply(task.Event{State: task.StateFailed, Source: task.SourceLocal, At: m.now(), Failure: f})
		changed = ok
		return ok, err
	})
	if uerr != nil {
		logger.From(ctx, m.log).Error("record task failure", "task_id", id, "error", uerr)
		return
	}
	if changed {
		logger.From(ctx, m.log).Warn("task failed", "task_id", id, "kind", f.Kind, "error", err)
		m.finished(ctx, t)
	}
}

// finished runs once per task when it reaches a terminal state.
func (m *Machine) finished(ctx context.Context, t *task.Task) {
	if t.Mode == task.ModePush {
		m.tokens.Revoke(t.ID)
	}
	m.metrics.TaskFinished(ctx, t.AgentID, string(t.State), t.UpdatedAt.Sub(t.CreatedAt))
	logger.From(ctx, m.log).Info("task finished", "task_id", t.ID, "state", t.State)
}

// Cancel moves a task to canceled. It aborts an in-flight delivery, revokes
// the push registration and asks the agent to cancel on a best-effort
// basis. Settled tasks yield InvalidTransition.
func (m *Machine) Cancel(ctx context.Context, id string) (*task.Task, error) {
	t, err := m.tasks.Update(ctx, id, func(t *task.Task) (bool, error) {
		if t.Terminal() {
			return false, domain.Errorf(domain.KindInvalidTransition, "task %s is already %s", t.ID, t.State)
		}
		return t.Apply(task.Event{State: task.StateCanceled, Source: task.SourceCaller, At: m.now()})
	})
	if err != nil {
		return nil, err
	}
	m.abort(id)
	m.tokens.Revoke(id)
	m.finished(ctx, t)
	m.cancelRemote(ctx, t)
	return t, nil
}

func (m *Machine) cancelRemote(ctx context.Context, t *task.Task) {
	if m.caller == nil {
		return
	}
	e, err := m.agents.Get(t.AgentID)
	if err != nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, remoteCancelTimeout)
		defer cancel()
		if _, err := m.caller.Cancel(ctx, e.Endpoint(), a2a.TaskIDParams{ID: t.ID}); err != nil {
			logger.From(ctx, m.log).Debug("remote cancel failed", "task_id", t.ID, "error", err)
		}
	}()
}

// Advance applies ev to the task. Settled tasks yield InvalidTransition.
func (m *Machine) Advance(ctx context.Context, id string, ev task.Event) (*task.Task, error) {
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	if ev.Source == "" {
		ev.Source = task.SourceLocal
	}
	var changed bool
	t, err := m.tasks.Update(ctx, id, func(t *task.Task) (bool, error) {
		ok, err := t.Apply(ev)
		changed = ok
		return ok, err
	})
	if err != nil {
		return nil, err
	}
	if changed && t.Terminal() {
		if ev.State == task.StateCanceled {
			m.abort(id)
		}
		m.finished(ctx, t)
	}
	return t, nil
}

// ProvideInput answers an input-required task and dispatches the follow-up
// turn on the task's mode, with the same task id.
func (m *Machine) ProvideInput(ctx context.Context, id string, msg task.Message) (*task.Task, error) {
	if len(msg.Parts) == 0 {
		return nil, fmt.Errorf("input must have at least one part: %w", domain.ErrValidation)
	}
	if msg.Role == "" {
		msg.Role = "user"
	}
	t, err := m.tasks.Update(ctx, id, func(t *task.Task) (bool, error) {
		if t.State != task.StateInputRequired {
			return false, domain.Errorf(domain.KindInvalidTransition, "task %s is %s, not %s", t.ID, t.State, task.StateInputRequired)
		}
		return t.Apply(task.Event{State: task.StateWorking, Source: task.SourceCaller, At: m.now(), Message: &msg})
	})
	if err != nil {
		return nil, err
	}
	ctx = logger.WithTask(ctx, t.ID, t.AgentID)

	e, err := m.agents.Get(t.AgentID)
	if err != nil {
		m.finish(ctx, id, domain.Wrap(domain.KindAgentUnavailable, err, "agent no longer registered"))
		return m.tasks.Get(id)
	}
	if !m.supervisor.IsAvailable(e.ID) {
		m.finish(ctx, id, m.unavailable(e.ID))
		return m.tasks.Get(id)
	}

	done := m.dispatch(ctx, t, e, msg, 0, nil)
	if t.Mode == task.ModeSync {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return m.tasks.Get(id)
}

// HandleCallback applies a push notification posted by the remote agent.
// Callbacks for settled tasks are ignored and answered with the task. A malformed callback fails the
// task and counts against the agent's health.
func (m *Machine) HandleCallback(ctx context.Context, id string, u a2a.Update) (*task.Task, error) {
	t, err := m.tasks.Get(id)
	if err != nil {
		return nil, err
	}
	if u.ID != "" && u.ID != id {
		return nil, fmt.Errorf("callback for task %s posted to %s: %w", u.ID, id, domain.ErrValidation)
	}
	ctx = logger.WithTask(ctx, t.ID, t.AgentID)
	if t.Terminal() || m.tokens.Revoked(id) {
		logger.From(ctx, m.log).Debug("callback for settled task ignored", "state", t.State)
		return t, nil
	}

	updates := delivery.FromWire(u, task.SourcePush)
	verr := delivery.Validate(t.ContentTypes, updates)
	if verr == nil && len(updates) == 0 {
		verr = domain.Errorf(domain.KindMalformedResponse, "callback carries neither status nor artifact")
	}
	if verr != nil {
		m.supervisor.ReportFailure(ctx, t.AgentID, verr)
		m.finish(ctx, id, verr)
		return nil, verr
	}
	for _, up := range updates {
		m.apply(ctx, id, up)
	}
	return m.tasks.Get(id)
}

// Get returns a task.
func (m *Machine) Get(_ context.Context, id string) (*task.Task, error) {
	return m.tasks.Get(id)
}

// ListBySession returns a session's tasks in creation order.
func (m *Machine) ListBySession(_ context.Context, sessionID string) []*task.Task {
	return m.tasks.ListBySession(sessionID)
}

// Watch streams the transitions of a task.
func (m *Machine) Watch(ctx context.Context, id string) (<-chan event.Transition, error) {
	return m.tasks.Watch(ctx, id)
}

// Replay returns the stored transitions of a task.
func (m *Machine) Replay(ctx context.Context, req event.ReplayRequest) (event.ReplayResult, error) {
	return m.tasks.Replay(ctx, req)
}

// Close stops new dispatches and waits for in-flight deliveries. When ctx
// ends first they are aborted and ctx's error is returned. Tasks submitted
// after Close fail with Canceled.
func (m *Machine) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		for id, f := range m.inflight {
			f.cancel()
			delete(m.inflight, id)
		}
		m.mu.Unlock()
		return ctx.Err()
	}
}
