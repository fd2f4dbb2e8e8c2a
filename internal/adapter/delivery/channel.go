// Package delivery implements the sync, streaming and push-notification
// channels that carry a task to a remote agent.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Strob0t/switchboard/internal/config"
	"github.com/Strob0t/switchboard/internal/domain"
	"github.com/Strob0t/switchboard/internal/domain/task"
	"github.com/Strob0t/switchboard/internal/logger"
	"github.com/Strob0t/switchboard/internal/port/a2a"
	"github.com/Strob0t/switchboard/internal/port/delivery"
	"github.com/Strob0t/switchboard/internal/resilience"
)

// New returns the channels for every delivery mode, keyed by mode.
func New(caller a2a.Caller, cfg config.Delivery, log *slog.Logger) map[task.Mode]delivery.Channel {
	b := base{
		caller: caller,
		retry: resilience.RetryPolicy{
			Attempts: cfg.RetryAttempts,
			Initial:  cfg.RetryInitial,
			Max:      cfg.RetryMax,
		},
		log: log,
	}
	return map[task.Mode]delivery.Channel{
		task.ModeSync:   &Sync{base: b, timeout: cfg.SyncTimeout, poll: cfg.PollInterval},
		task.ModeStream: &Stream{base: b, timeout: cfg.StreamTimeout},
		task.ModePush:   &Push{base: b, timeout: cfg.PushTimeout},
	}
}

type base struct {
	caller a2a.Caller
	retry  resilience.RetryPolicy
	log    *slog.Logger
}

// transient reports whether a transport error is worth another attempt.
// Only failures where the agent never produced an answer qualify.
func transient(err error) bool {
	return domain.KindOf(err) == domain.KindUnreachable
}

func (b *base) notify(ctx context.Context, req delivery.Request) func(error, time.Duration) {
	return func(err error, next time.Duration) {
		logger.From(ctx, b.log).Warn("delivery attempt failed, retrying",
			"endpoint", req.Endpoint, "retry_in", next, "error", err)
	}
}

// withDefaultTimeout bounds ctx by d unless the caller already set a deadline.
func withDefaultTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func sendParams(req delivery.Request) a2a.TaskSendParams {
	return a2a.TaskSendParams{
		ID:                  req.TaskID,
		SessionID:           req.SessionID,
		Message:             req.Message,
		AcceptedOutputModes: req.ContentTypes.Output,
		Metadata:            req.Metadata,
	}
}

// forward validates and emits the updates carried by one wire event. It
// reports whether the event ended the exchange. Only a terminal state or
// input-required ends it; an event flagged final in any other state leaves
// the task without an outcome and fails with StreamInterrupted.
func forward(req delivery.Request, u a2a.Update, src task.Source, emit func(delivery.Update)) (bool, error) {
	updates := delivery.FromWire(u, src)
	if len(updates) == 0 {
		return false, domain.Errorf(domain.KindMalformedResponse, "agent reply carries neither status nor artifact")
	}
	if err := delivery.Validate(req.ContentTypes, updates); err != nil {
		return false, err
	}
	done, final := false, false
	for _, up := range updates {
		emit(up)
		if up.State.Terminal() || up.State == task.StateInputRequired {
			done = true
		}
		final = final || up.Final
	}
	if final && !done {
		return false, domain.Errorf(domain.KindStreamInterrupted, "final event left the task %s", updates[len(updates)-1].State)
	}
	return done, nil
}

// settle turns an unclassified error left by an expired or canceled ctx
// into Timeout or Canceled.
func settle(ctx context.Context, err error) error {
	if err != nil && domain.KindOf(err) == "" && ctx.Err() != nil {
		return ctxError(ctx)
	}
	return err
}

// ctxError classifies the end of ctx for a channel that was waiting on it.
func ctxError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.Wrap(domain.KindTimeout, ctx.Err(), "no terminal reply before deadline")
	}
	return domain.Wrap(domain.KindCanceled, ctx.Err(), "delivery canceled")
}
