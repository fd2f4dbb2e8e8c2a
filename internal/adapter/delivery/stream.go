package delivery

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/Strob0t/switchboard/internal/domain"
	"github.com/Strob0t/switchboard/internal/domain/task"
	"github.com/Strob0t/switchboard/internal/port/a2a"
	"github.com/Strob0t/switchboard/internal/port/delivery"
	"github.com/Strob0t/switchboard/internal/resilience"
)

// Stream delivers a task with tasks/sendSubscribe. Opening the stream is
// retried; once it is open nothing is retried, and a stream that closes
// without a terminal event fails with StreamInterrupted.
type Stream struct {
	base
	timeout time.Duration
}

var _ delivery.Channel = (*Stream)(nil)

func (s *Stream) Mode() task.Mode { return task.ModeStream }

func (s *Stream) Deliver(ctx context.Context, req delivery.Request, emit func(delivery.Update)) error {
	ctx, cancel := withDefaultTimeout(ctx, s.timeout)
	defer cancel()

	params := sendParams(req)
	st, err := resilience.Retry(ctx, s.retry, transient, func() (a2a.Stream, error) {
		return s.caller.SendSubscribe(ctx, req.Endpoint, params)
	}, s.notify(ctx, req))
	if err != nil {
		return settle(ctx, err)
	}
	defer func() { _ = st.Close() }()

	for {
		u, err := st.Next()
		if errors.Is(err, io.EOF) {
			return domain.Errorf(domain.KindStreamInterrupted, "stream closed before a terminal event")
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctxError(ctx)
			}
			if domain.KindOf(err) == domain.KindUnreachable {
				return domain.Wrap(domain.KindStreamInterrupted, err, "stream connection lost")
			}
			return err
		}
		done, err := forward(req, *u, task.SourceStream, emit)
		if err != nil || done {
			return err
		}
	}
}
