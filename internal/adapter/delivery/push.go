package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/Strob0t/switchboard/internal/domain"
	"github.com/Strob0t/switchboard/internal/domain/task"
	"github.com/Strob0t/switchboard/internal/logger"
	"github.com/Strob0t/switchboard/internal/port/a2a"
	"github.com/Strob0t/switchboard/internal/port/delivery"
)

// Push registers the callback with tasks/pushNotification/set, hands the
// task over with tasks/send and returns. Later updates arrive as callbacks.
// Nothing is retried.
type Push struct {
	base
	timeout time.Duration
}

var _ delivery.Channel = (*Push)(nil)

func (p *Push) Mode() task.Mode { return task.ModePush }

func (p *Push) Deliver(ctx context.Context, req delivery.Request, emit func(delivery.Update)) error {
	if req.CallbackURL == "" {
		return fmt.Errorf("push delivery for task %s: callback url: %w", req.TaskID, domain.ErrValidation)
	}
	ctx, cancel := withDefaultTimeout(ctx, p.timeout)
	defer cancel()

	cfg := a2a.PushNotificationConfig{URL: req.CallbackURL, Token: req.CallbackToken}
	if _, err := p.caller.SetPushNotification(ctx, req.Endpoint, a2a.TaskPushNotificationConfig{
		ID:                     req.TaskID,
		PushNotificationConfig: cfg,
	}); err != nil {
		return settle(ctx, err)
	}

	params := sendParams(req)
	params.PushNotification = &cfg
	t, err := p.caller.Send(ctx, req.Endpoint, params)
	if err != nil {
		return settle(ctx, err)
	}
	logger.From(ctx, p.log).Debug("push delivery acknowledged", "state", t.Status.State)

	_, err = forward(req, t.AsUpdate(), task.SourcePush, emit)
	return err
}
