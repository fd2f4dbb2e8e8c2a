package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/switchboard/internal/adapter/otel"
	"github.com/Strob0t/switchboard/internal/config"
	"github.com/Strob0t/switchboard/internal/domain"
	"github.com/Strob0t/switchboard/internal/domain/agentcard"
	"github.com/Strob0t/switchboard/internal/domain/event"
	"github.com/Strob0t/switchboard/internal/domain/health"
	"github.com/Strob0t/switchboard/internal/logger"
	"github.com/Strob0t/switchboard/internal/port/discovery"
	"github.com/Strob0t/switchboard/internal/resilience"
)

// AgentLookup resolves registered agents.
type AgentLookup interface {
	Get(id string) (*agentcard.Entry, error)
	List() []*agentcard.Entry
}

// agentHealth is the supervisor's per-agent state. The circuit lives in the
// breaker; the remaining fields are bookkeeping for health.Record.
type agentHealth struct {
	breaker *resilience.Breaker

	mu          sync.Mutex
	lastSuccess time.Time
	lastProbe   time.Time
	lastError   string
	version     string
}

// Supervisor tracks agent health and gates calls through one circuit
// breaker per agent.
type Supervisor struct {
	agents  AgentLookup
	prober  discovery.Prober
	breaker config.Breaker
	cfg     config.Health
	sinks   *EventSinks
	metrics *otel.Metrics
	log     *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	health map[string]*agentHealth
}

var _ AgentHook = (*Supervisor)(nil)

// NewSupervisor creates a Supervisor.
func NewSupervisor(agents AgentLookup, prober discovery.Prober, breaker config.Breaker, cfg config.Health, sinks *EventSinks, log *slog.Logger) *Supervisor {
	return &Supervisor{
		agents:  agents,
		prober:  prober,
		breaker: breaker,
		cfg:     cfg,
		sinks:   sinks,
		log:     log,
		now:     time.Now,
		health:  make(map[string]*agentHealth),
	}
}

// SetMetrics attaches OTel instruments.
func (s *Supervisor) SetMetrics(m *otel.Metrics) { s.metrics = m }

// SetClock replaces the time source for breakers created afterwards.
func (s *Supervisor) SetClock(now func() time.Time) { s.now = now }

// AgentRegistered starts tracking a newly registered agent. Re-registration
// keeps the existing circuit.
func (s *Supervisor) AgentRegistered(_ context.Context, e *agentcard.Entry) {
	s.state(e.ID)
}

// AgentRemoved forgets the agent's health.
func (s *Supervisor) AgentRemoved(_ context.Context, id string) {
	s.mu.Lock()
	delete(s.health, id)
	s.mu.Unlock()
}

// state returns the health of id, creating a closed circuit on first use.
func (s *Supervisor) state(id string) *agentHealth {
	s.mu.RLock()
	h, ok := s.health[id]
	s.mu.RUnlock()
	if ok {
		return h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.health[id]; ok {
		return h
	}
	h = &agentHealth{}
	h.breaker = resilience.NewBreaker(s.breaker.Threshold, s.breaker.BaseBackoff, s.breaker.MaxBackoff,
		resilience.WithClock(s.now),
		resilience.WithFailurePredicate(func(err error) bool {
			return domain.KindOf(err).HealthAffecting()
		}),
		resilience.WithAnswerPredicate(func(err error) bool {
			return domain.KindOf(err) == domain.KindRemoteError
		}),
		resilience.WithStateChange(func(from, to resilience.State) {
			s.circuitChanged(id, h, from, to)
		}),
	)
	s.health[id] = h
	return h
}

func (s *Supervisor) circuitChanged(id string, h *agentHealth, from, to resilience.State) {
	snap := h.breaker.Snapshot()
	h.mu.Lock()
	lastErr := h.lastError
	h.mu.Unlock()

	ctx := context.Background()
	s.log.Warn("agent circuit changed", "agent_id", id, "from", from.String(), "to", to.String(),
		"failures", snap.Failures, "backoff", snap.Backoff)
	s.metrics.CircuitChanged(ctx, id, to.String())
	s.sinks.Circuit(ctx, event.Circuit{
		AgentID:   id,
		From:      from.String(),
		To:        to.String(),
		Failures:  snap.Failures,
		RetryIn:   s.retryIn(snap),
		LastError: lastErr,
		CreatedAt: s.now(),
	})
}

// IsAvailable reports whether calls to the agent are permitted: true only
// while its circuit is closed or half-open.
func (s *Supervisor) IsAvailable(agentID string) bool {
	return s.state(agentID).breaker.State() != resilience.StateOpen
}

// RetryIn returns how long until an open circuit admits a trial call.
func (s *Supervisor) RetryIn(agentID string) time.Duration {
	return s.retryIn(s.state(agentID).breaker.Snapshot())
}

func (s *Supervisor) retryIn(snap resilience.Snapshot) time.Duration {
	if snap.State != resilience.StateOpen {
		return 0
	}
	return max(snap.NextRetry.Sub(s.now()), 0)
}

// Guard runs fn through the agent's circuit. An open circuit, or a
// half-open one whose trial call is already in flight, rejects fn with a
// CircuitOpen error before any network I/O. Health-affecting failures count
// against the circuit; a nil result closes it.
func (s *Supervisor) Guard(ctx context.Context, agentID string, fn func(ctx context.Context) error) error {
	h := s.state(agentID)
	err := h.breaker.Execute(func() error {
		err := fn(ctx)
		s.note(h, err)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		retry := s.retryIn(h.breaker.Snapshot())
		return &domain.Error{
			Kind:       domain.KindCircuitOpen,
			Message:    fmt.Sprintf("agent %s unavailable, retry in %s", agentID, retry.Round(time.Second)),
			RetryAfter: retry,
			Err:        err,
		}
	}
	return err
}

// note records the bookkeeping side of an outcome.
func (s *Supervisor) note(h *agentHealth, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case err == nil:
		h.lastSuccess = s.now()
		h.lastError = ""
	case domain.KindOf(err).HealthAffecting():
		h.lastError = err.Error()
	}
}

// ReportFailure counts an out-of-band failure against the agent, such as a
// malformed push callback. Errors that are not health-affecting are ignored.
func (s *Supervisor) ReportFailure(ctx context.Context, agentID string, err error) {
	if !domain.KindOf(err).HealthAffecting() {
		return
	}
	h := s.state(agentID)
	s.note(h, err)
	h.breaker.Failure(err)
	logger.From(ctx, s.log).Debug("agent failure reported", "agent_id", agentID, "error", err)
}

// ReportSuccess records an out-of-band success, closing the agent's circuit.
func (s *Supervisor) ReportSuccess(_ context.Context, agentID string) {
	h := s.state(agentID)
	s.note(h, nil)
	h.breaker.Success()
}

// Probe runs one liveness check against the agent and records its outcome.
// An open circuit whose backoff has not elapsed is not probed.
func (s *Supervisor) Probe(ctx context.Context, agentID string) (health.Record, error) {
	e, err := s.agents.Get(agentID)
	if err != nil {
		return health.Record{}, err
	}
	h := s.state(agentID)

	ctx, span := otel.StartProbeSpan(ctx, agentID)
	defer span.End()

	var st health.Status
	err = s.Guard(ctx, agentID, func(ctx context.Context) error {
		if s.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
			defer cancel()
		}
		var perr error
		st, perr = s.prober.Probe(ctx, e.BaseURL, e.SourceURL)
		return perr
	})
	if domain.KindOf(err) == domain.KindCircuitOpen {
		return s.record(agentID, h), err
	}
	h.mu.Lock()
	h.lastProbe = s.now()
	if err == nil {
		h.version = st.Version
	}
	h.mu.Unlock()
	if err != nil {
		s.metrics.ProbeFailed(ctx, agentID, string(domain.KindOf(err)))
		span.RecordError(err)
		logger.From(ctx, s.log).Debug("agent probe failed", "agent_id", agentID, "error", err)
	}
	return s.record(agentID, h), err
}

// Record returns the health snapshot of a registered agent.
func (s *Supervisor) Record(agentID string) (health.Record, error) {
	if _, err := s.agents.Get(agentID); err != nil {
		return health.Record{}, err
	}
	return s.record(agentID, s.state(agentID)), nil
}

// Records returns the health snapshot of every registered agent.
func (s *Supervisor) Records() []health.Record {
	entries := s.agents.List()
	out := make([]health.Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, s.record(e.ID, s.state(e.ID)))
	}
	slices.SortFunc(out, func(a, b health.Record) int { return strings.Compare(a.AgentID, b.AgentID) })
	return out
}

func (s *Supervisor) record(id string, h *agentHealth) health.Record {
	snap := h.breaker.Snapshot()
	h.mu.Lock()
	defer h.mu.Unlock()
	return health.Record{
		AgentID:       id,
		Circuit:       circuitOf(snap.State),
		Failures:      snap.Failures,
		Backoff:       snap.Backoff,
		LastSuccess:   h.lastSuccess,
		LastProbe:     h.lastProbe,
		NextRetry:     snap.NextRetry,
		RetryIn:       s.retryIn(snap),
		LastError:     h.lastError,
		Version:       h.version,
		TrialInFlight: snap.Trial,
	}
}

func circuitOf(st resilience.State) health.Circuit {
	switch st {
	case resilience.StateOpen:
		return health.CircuitOpen
	case resilience.StateHalfOpen:
		return health.CircuitHalfOpen
	default:
		return health.CircuitClosed
	}
}

// ProbeAll probes every registered agent once, at most cfg.Concurrency at
// a time.
func (s *Supervisor) ProbeAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.Concurrency, 1))
	for _, e := range s.agents.List() {
		id := e.ID
		g.Go(func() error {
			_, _ = s.Probe(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

// Run probes all agents every cfg.Interval until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ProbeAll(ctx)
		}
	}
}
