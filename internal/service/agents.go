package service

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/switchboard/internal/config"
	"github.com/Strob0t/switchboard/internal/domain"
	"github.com/Strob0t/switchboard/internal/domain/agentcard"
	"github.com/Strob0t/switchboard/internal/domain/event"
	"github.com/Strob0t/switchboard/internal/logger"
	"github.com/Strob0t/switchboard/internal/port/discovery"
)

// AgentHook is notified after the registry set changes.
type AgentHook interface {
	AgentRegistered(ctx context.Context, e *agentcard.Entry)
	AgentRemoved(ctx context.Context, id string)
}

// AgentRegistry holds the discovered card of every known remote agent.
// Entries are immutable; re-discovery swaps the pointer under the write
// lock so readers never observe a partially updated card.
type AgentRegistry struct {
	fetcher discovery.CardFetcher
	cfg     config.Discovery
	sinks   *EventSinks
	log     *slog.Logger

	mu      sync.RWMutex
	entries map[string]*agentcard.Entry
	hooks   []AgentHook

	flight singleflight.Group
	now    func() time.Time
}

// NewAgentRegistry creates an empty registry that discovers cards through fetcher.
func NewAgentRegistry(fetcher discovery.CardFetcher, cfg config.Discovery, sinks *EventSinks, log *slog.Logger) *AgentRegistry {
	return &AgentRegistry{
		fetcher: fetcher,
		cfg:     cfg,
		sinks:   sinks,
		log:     log,
		entries: make(map[string]*agentcard.Entry),
		now:     time.Now,
	}
}

// AddHook registers h for future registry changes.
func (r *AgentRegistry) AddHook(h AgentHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Register discovers the agent at rawURL and adds or replaces its entry.
// Discovery failures return a *domain.DiscoveryError and leave the registry
// unchanged. Concurrent registrations of the same URL share one fetch.
func (r *AgentRegistry) Register(ctx context.Context, rawURL string) (*agentcard.Entry, error) {
	base, cardURL, err := agentcard.Normalize(rawURL, r.cfg.WellKnownPath)
	if err != nil {
		return nil, fmt.Errorf("register agent: %w: %v", domain.ErrValidation, err)
	}

	v, err, _ := r.flight.Do(cardURL, func() (any, error) {
		return r.discover(ctx, base, cardURL)
	})
	if err != nil {
		return nil, err
	}
	return v.(*agentcard.Entry), nil
}

func (r *AgentRegistry) discover(ctx context.Context, base, cardURL string) (*agentcard.Entry, error) {
	card, err := r.fetcher.Fetch(ctx, cardURL)
	if err != nil {
		return nil, err
	}
	if card.URL == "" {
		card.URL = base
	}
	if r.cfg.RewriteUnroutable {
		if rewritten := agentcard.RewriteHost(card.URL, cardURL); rewritten != card.URL {
			logger.From(ctx, r.log).Info("rewrote unroutable agent url", "advertised", card.URL, "rewritten", rewritten)
			card.URL = rewritten
		}
	}

	e := &agentcard.Entry{
		ID:        agentcard.IDFor(base),
		BaseURL:   base,
		SourceURL: cardURL,
		Card:      card,
		Epoch:     1,
		FetchedAt: r.now(),
	}

	r.mu.Lock()
	if prev, ok := r.entries[e.ID]; ok {
		e.Epoch = prev.Epoch + 1
	}
	r.entries[e.ID] = e
	hooks := slices.Clone(r.hooks)
	r.mu.Unlock()

	logger.From(ctx, r.log).Info("agent registered", "agent_id", e.ID, "name", card.Name, "url", card.URL, "epoch", e.Epoch)
	for _, h := range hooks {
		h.AgentRegistered(ctx, e)
	}
	r.sinks.Agent(ctx, event.Agent{
		Type:      event.TypeAgentChanged,
		AgentID:   e.ID,
		Name:      card.Name,
		URL:       card.URL,
		Epoch:     e.Epoch,
		CreatedAt: e.FetchedAt,
	})
	return e, nil
}

// Get returns the entry for id.
func (r *AgentRegistry) Get(id string) (*agentcard.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

// List returns all entries sorted by card name, then id.
func (r *AgentRegistry) List() []*agentcard.Entry {
	r.mu.RLock()
	out := make([]*agentcard.Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *agentcard.Entry) int {
		return cmp.Or(cmp.Compare(a.Card.Name, b.Card.Name), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// Remove deletes the entry for id.
func (r *AgentRegistry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	hooks := slices.Clone(r.hooks)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}

	if err := r.fetcher.Invalidate(ctx, e.SourceURL); err != nil {
		logger.From(ctx, r.log).Warn("invalidate card cache failed", "agent_id", id, "error", err)
	}
	logger.From(ctx, r.log).Info("agent removed", "agent_id", id)
	for _, h := range hooks {
		h.AgentRemoved(ctx, id)
	}
	r.sinks.Agent(ctx, event.Agent{Type: event.TypeAgentRemoved, AgentID: id, CreatedAt: r.now()})
	return nil
}

// Refresh drops the cached card of id and discovers it again.
func (r *AgentRegistry) Refresh(ctx context.Context, id string) (*agentcard.Entry, error) {
	e, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if err := r.fetcher.Invalidate(ctx, e.SourceURL); err != nil {
		logger.From(ctx, r.log).Warn("invalidate card cache failed", "agent_id", id, "error", err)
	}
	return r.Register(ctx, e.SourceURL)
}

// RegisterSeeds registers every configured seed URL. Failures are logged.
func (r *AgentRegistry) RegisterSeeds(ctx context.Context) {
	for _, u := range r.cfg.Seeds {
		if _, err := r.Register(ctx, u); err != nil {
			r.log.Warn("seed agent registration failed", "url", u, "error", err)
		}
	}
}
