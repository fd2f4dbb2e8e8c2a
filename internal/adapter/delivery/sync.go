package delivery

import (
	"context"
	"time"

	"github.com/Strob0t/switchboard/internal/domain/task"
	"github.com/Strob0t/switchboard/internal/port/a2a"
	"github.com/Strob0t/switchboard/internal/port/delivery"
	"github.com/Strob0t/switchboard/internal/resilience"
)

// Sync delivers a task with tasks/send. An agent that answers with a
// non-terminal state is polled with tasks/get until it settles or the
// deadline passes.
type Sync struct {
	base
	timeout time.Duration
	poll    time.Duration
}

var _ delivery.Channel = (*Sync)(nil)

func (s *Sync) Mode() task.Mode { return task.ModeSync }

func (s *Sync) Deliver(ctx context.Context, req delivery.Request, emit func(delivery.Update)) error {
	ctx, cancel := withDefaultTimeout(ctx, s.timeout)
	defer cancel()

	params := sendParams(req)
	t, err := resilience.Retry(ctx, s.retry, transient, func() (*a2a.Task, error) {
		return s.caller.Send(ctx, req.Endpoint, params)
	}, s.notify(ctx, req))
	if err != nil {
		return settle(ctx, err)
	}

	done, err := forward(req, t.AsUpdate(), task.SourceSync, emit)
	if err != nil || done {
		return err
	}

	poll := s.poll
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctxError(ctx)
		case <-ticker.C:
		}
		t, err := resilience.Retry(ctx, s.retry, transient, func() (*a2a.Task, error) {
			return s.caller.Get(ctx, req.Endpoint, a2a.TaskQueryParams{ID: req.TaskID})
		}, s.notify(ctx, req))
		if err != nil {
			return settle(ctx, err)
		}
		done, err := forward(req, t.AsUpdate(), task.SourceSync, emit)
		if err != nil || done {
			return err
		}
	}
}
