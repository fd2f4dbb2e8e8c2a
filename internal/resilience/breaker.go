// Package resilience provides reliability patterns for calls to remote agents.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the observable state of a Breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent view of a Breaker's counters and timers.
type Snapshot struct {
	State     State
	Failures  int
	Backoff   time.Duration
	OpenedAt  time.Time
	NextRetry time.Time
	Trial     bool
}

// Breaker implements a circuit breaker for one remote agent. The state is
// derived from the consecutive-failure counter and the open timer: below the
// threshold it is closed; at or above it the circuit is open until the
// current backoff elapses and half-open afterwards. Half-open admits exactly
// one trial call; a failed trial doubles the backoff up to maxBackoff.
type Breaker struct {
	mu          sync.Mutex
	failures    int
	threshold   int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	backoff     time.Duration
	openedAt    time.Time
	trial       bool
	isFailure   func(error) bool
	isAnswer    func(error) bool
	onChange    func(from, to State)
	now         func() time.Time // for testing
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailurePredicate limits which errors count against the circuit.
// Errors for which fn returns false are passed through uncounted and leave
// the counter unchanged.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = fn }
}

// WithAnswerPredicate marks errors that prove the remote side is alive,
// such as an error reply. They count as a success for the circuit.
func WithAnswerPredicate(fn func(error) bool) Option {
	return func(b *Breaker) { b.isAnswer = fn }
}

// WithStateChange registers a callback invoked after the observed state
// changes. It runs without the breaker lock held.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// NewBreaker creates a circuit breaker that opens after threshold consecutive
// failures. The first open period lasts baseBackoff; each failed half-open
// trial doubles it, capped at maxBackoff.
func NewBreaker(threshold int, baseBackoff, maxBackoff time.Duration, opts ...Option) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	if maxBackoff < baseBackoff {
		maxBackoff = baseBackoff
	}
	b := &Breaker{
		threshold:   threshold,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		backoff:     baseBackoff,
		now:         time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// admission tells record how the call reporting an outcome was let through.
type admission int

const (
	admitOutOfBand admission = iota // Success or Failure, no call admitted
	admitClosed                     // admitted while the circuit was closed
	admitTrial                      // the half-open trial call
)

// Execute runs fn if the circuit admits a call.
// Returns ErrCircuitOpen without calling fn otherwise.
func (b *Breaker) Execute(fn func() error) error {
	adm, err := b.allow()
	if err != nil {
		return err
	}
	err = fn()
	b.record(err, adm)
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state()
}

// Snapshot returns the current counters and timers.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		State:    b.state(),
		Failures: b.failures,
		Backoff:  b.backoff,
		OpenedAt: b.openedAt,
		Trial:    b.trial,
	}
	if s.State != StateClosed {
		s.NextRetry = b.openedAt.Add(b.backoff)
	}
	return s
}

// Success records an out-of-band success, closing the circuit.
func (b *Breaker) Success() { b.record(nil, admitOutOfBand) }

// Failure records an out-of-band failure.
func (b *Breaker) Failure(err error) {
	if err == nil {
		err = errors.New("failure reported")
	}
	b.record(err, admitOutOfBand)
}

// state must be called with b.mu held.
func (b *Breaker) state() State {
	if b.failures < b.threshold {
		return StateClosed
	}
	if b.now().Before(b.openedAt.Add(b.backoff)) {
		return StateOpen
	}
	return StateHalfOpen
}

func (b *Breaker) allow() (admission, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state() {
	case StateClosed:
		return admitClosed, nil
	case StateHalfOpen:
		if b.trial {
			return 0, ErrCircuitOpen
		}
		b.trial = true
		return admitTrial, nil
	default:
		return 0, ErrCircuitOpen
	}
}

// record applies the outcome of a call. A call admitted while closed that
// returns after the circuit opened neither closes it nor settles the trial:
// its failure only adds to the counter and its success is dropped.
func (b *Breaker) record(err error, adm admission) {
	b.mu.Lock()
	before := b.state()
	if adm == admitTrial {
		b.trial = false
	}
	late := adm == admitClosed && before != StateClosed
	switch {
	case err == nil || (b.isAnswer != nil && b.isAnswer(err)):
		if !late {
			b.onSuccess()
		}
	case b.isFailure == nil || b.isFailure(err):
		if late {
			b.failures++
		} else {
			b.onFailure(before)
		}
	}
	after := b.state()
	cb := b.onChange
	b.mu.Unlock()

	if cb != nil && before != after {
		cb(before, after)
	}
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(before State) {
	b.failures++
	switch {
	case before == StateHalfOpen:
		b.backoff = min(b.backoff*2, b.maxBackoff)
		b.openedAt = b.now()
	case before == StateClosed && b.failures >= b.threshold:
		b.backoff = b.baseBackoff
		b.openedAt = b.now()
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = 0
	b.backoff = b.baseBackoff
	b.openedAt = time.Time{}
}
