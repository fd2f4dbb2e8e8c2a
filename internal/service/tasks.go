package service

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/Strob0t/switchboard/internal/domain"
	"github.com/Strob0t/switchboard/internal/domain/event"
	"github.com/Strob0t/switchboard/internal/domain/task"
	"github.com/Strob0t/switchboard/internal/logger"
	"github.com/Strob0t/switchboard/internal/resilience"
)

// TaskRegistry is the keyed store of all tasks. It indexes tasks by session
// and idempotency key and publishes every newly recorded transition, in
// application order, to the event sinks and to in-process watchers.
type TaskRegistry struct {
	sinks *EventSinks
	log   *slog.Logger
	locks *resilience.KeyedMutex

	mu        sync.RWMutex
	tasks     map[string]*task.Task
	bySession map[string][]string
	byKey     map[string]string

	watchMu  sync.Mutex
	watchers map[string]map[*watcher]struct{}
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry(sinks *EventSinks, log *slog.Logger) *TaskRegistry {
	return &TaskRegistry{
		sinks:     sinks,
		log:       log,
		locks:     resilience.NewKeyedMutex(),
		tasks:     make(map[string]*task.Task),
		bySession: make(map[string][]string),
		byKey:     make(map[string]string),
		watchers:  make(map[string]map[*watcher]struct{}),
	}
}

func idempotencyIndex(agentID, key string) string {
	return agentID + "\x00" + key
}

// Record stores t, creating it or replacing the stored copy, and publishes
// every transition newer than the stored copy.
func (r *TaskRegistry) Record(ctx context.Context, t *task.Task) error {
	unlock := r.locks.Lock(t.ID)
	defer unlock()
	return r.store(ctx, t.Clone())
}

// store must be called with the task's key lock held.
func (r *TaskRegistry) store(ctx context.Context, t *task.Task) error {
	r.mu.Lock()
	prev, exists := r.tasks[t.ID]
	if exists && t.LastSeq() < prev.LastSeq() {
		r.mu.Unlock()
		return fmt.Errorf("record task %s: seq %d behind %d: %w", t.ID, t.LastSeq(), prev.LastSeq(), domain.ErrConflict)
	}
	r.tasks[t.ID] = t
	if !exists {
		r.bySession[t.SessionID] = append(r.bySession[t.SessionID], t.ID)
		if t.IdempotencyKey != "" {
			r.byKey[idempotencyIndex(t.AgentID, t.IdempotencyKey)] = t.ID
		}
	}
	r.mu.Unlock()

	from := 0
	if exists {
		from = prev.LastSeq()
	}
	for _, tr := range t.Transitions {
		if tr.Seq <= from {
			continue
		}
		ev := &event.Transition{
			ID:        uuid.NewString(),
			TaskID:    t.ID,
			SessionID: t.SessionID,
			AgentID:   t.AgentID,
			Mode:      t.Mode,
			Record:    tr,
			RequestID: logger.RequestID(ctx),
			CreatedAt: tr.At,
		}
		r.sinks.Transition(ctx, ev)
		r.notify(*ev)
	}
	return nil
}

// Update applies fn to a copy of the stored task under the task's lock.
// When fn reports a change the copy replaces the stored task and its new
// transitions are published. It returns the resulting task.
func (r *TaskRegistry) Update(ctx context.Context, id string, fn func(t *task.Task) (bool, error)) (*task.Task, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	r.mu.RLock()
	cur, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}

	t := cur.Clone()
	changed, err := fn(t)
	if err != nil {
		return cur.Clone(), err
	}
	if !changed {
		return t, nil
	}
	if err := r.store(ctx, t); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// Get returns a copy of the task.
func (r *TaskRegistry) Get(id string) (*task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return t.Clone(), nil
}

// ListBySession returns copies of a session's tasks in creation order.
func (r *TaskRegistry) ListBySession(sessionID string) []*task.Task {
	r.mu.RLock()
	ids := r.bySession[sessionID]
	out := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.tasks[id].Clone())
	}
	r.mu.RUnlock()
	return sortedTasks(out)
}

// FindByKey returns the latest task submitted to agentID with the given
// idempotency key.
func (r *TaskRegistry) FindByKey(agentID, key string) (*task.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[idempotencyIndex(agentID, key)]
	if !ok {
		return nil, false
	}
	return r.tasks[id].Clone(), true
}

// Replay returns the recorded transitions of a task selected by req. The
// event store is consulted when attached, so tasks recorded by other
// replicas can be replayed too.
func (r *TaskRegistry) Replay(ctx context.Context, req event.ReplayRequest) (event.ReplayResult, error) {
	if store := r.sinks.Store(); store != nil {
		events, err := store.LoadByTask(ctx, req.TaskID)
		if err != nil {
			return event.ReplayResult{}, fmt.Errorf("replay task %s: %w", req.TaskID, err)
		}
		if len(events) > 0 {
			return req.Filter(events), nil
		}
	}

	t, err := r.Get(req.TaskID)
	if err != nil {
		return event.ReplayResult{}, err
	}
	events := make([]event.Transition, 0, len(t.Transitions))
	for _, tr := range t.Transitions {
		events = append(events, event.Transition{
			TaskID:    t.ID,
			SessionID: t.SessionID,
			AgentID:   t.AgentID,
			Mode:      t.Mode,
			Record:    tr,
			CreatedAt: tr.At,
		})
	}
	return req.Filter(events), nil
}

// Watch streams the task's transitions, starting with those already
// recorded. The channel is closed after the terminal transition or when ctx
// ends. Slow readers never block recording.
func (r *TaskRegistry) Watch(ctx context.Context, id string) (<-chan event.Transition, error) {
	unlock := r.locks.Lock(id)
	r.mu.RLock()
	t, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		unlock()
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}

	w := &watcher{signal: make(chan struct{}, 1)}
	for _, tr := range t.Transitions {
		w.queue = append(w.queue, event.Transition{
			TaskID:    t.ID,
			SessionID: t.SessionID,
			AgentID:   t.AgentID,
			Mode:      t.Mode,
			Record:    tr,
			CreatedAt: tr.At,
		})
	}
	if !t.Terminal() {
		r.watchMu.Lock()
		if r.watchers[id] == nil {
			r.watchers[id] = make(map[*watcher]struct{})
		}
		r.watchers[id][w] = struct{}{}
		r.watchMu.Unlock()
	}
	unlock()

	out := make(chan event.Transition)
	go r.pump(ctx, id, w, out)
	return out, nil
}

func (r *TaskRegistry) notify(ev event.Transition) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	for w := range r.watchers[ev.TaskID] {
		w.push(ev)
	}
	if ev.Terminal() {
		delete(r.watchers, ev.TaskID)
	}
}

func (r *TaskRegistry) pump(ctx context.Context, id string, w *watcher, out chan<- event.Transition) {
	defer close(out)
	defer func() {
		r.watchMu.Lock()
		delete(r.watchers[id], w)
		if len(r.watchers[id]) == 0 {
			delete(r.watchers, id)
		}
		r.watchMu.Unlock()
	}()

	for {
		for _, ev := range w.drain() {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Terminal() {
				return
			}
		}
		select {
		case <-w.signal:
		case <-ctx.Done():
			return
		}
	}
}

// watcher buffers transitions for one Watch subscriber.
type watcher struct {
	mu     sync.Mutex
	queue  []event.Transition
	signal chan struct{}
}

func (w *watcher) push(ev event.Transition) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watcher) drain() []event.Transition {
	w.mu.Lock()
	defer w.mu.Unlock()
	q := w.queue
	w.queue = nil
	return q
}

// sortedTasks orders tasks by creation time, then id.
func sortedTasks(ts []*task.Task) []*task.Task {
	slices.SortFunc(ts, func(a, b *task.Task) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return ts
}
