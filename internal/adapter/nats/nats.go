// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/switchboard/internal/logger"
	"github.com/Strob0t/switchboard/internal/port/messagequeue"
)

const (
	streamName = "SWITCHBOARD"

	headerRequestID = "X-Request-ID"
	headerOrigin    = "Switchboard-Origin"
	headerError     = "Switchboard-Error"

	// maxDeliveries bounds redelivery of a message whose handler fails
	// before it is parked on the dead-letter subject.
	maxDeliveries = 3
)

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	origin string
	log    *slog.Logger
}

var _ messagequeue.Queue = (*Queue)(nil)

// Connect establishes a connection to NATS and ensures the JetStream stream
// exists. origin identifies this replica on published messages.
func Connect(ctx context.Context, url, origin string, log *slog.Logger) (*Queue, error) {
	nc, err := nats.Connect(url,
		nats.Name("switchboard-"+origin),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	// Ensure the stream exists with subjects matching our topic patterns.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{messagequeue.PatternTasks, messagequeue.PatternAgents, messagequeue.SubjectDeadLetter + ".>"},
		MaxAge:   24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	log.Info("nats connected", "url", url, "stream", streamName)
	return &Queue{nc: nc, js: js, origin: origin, log: log}, nil
}

// JetStream exposes the JetStream context for key-value buckets.
func (q *Queue) JetStream() jetstream.JetStream { return q.js }

// Origin returns the replica id stamped on published messages.
func (q *Queue) Origin() string { return q.origin }

// Publish validates data and sends it to the given subject. The request id
// carried by ctx travels as a header.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	msg.Header.Set(headerOrigin, q.origin)
	if id := logger.RequestID(ctx); id != "" {
		msg.Header.Set(headerRequestID, id)
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject pattern.
// Each call creates an ephemeral consumer that starts at new messages, so
// every replica sees every event. Invalid payloads go straight to the
// dead-letter subject; failing handlers are retried up to maxDeliveries.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		MaxDeliver:    maxDeliveries + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		q.handle(msg, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}
	return cons.Stop, nil
}

func (q *Queue) handle(msg jetstream.Msg, handler messagequeue.Handler) {
	ctx := context.Background()
	hdrs := msg.Headers()
	if id := hdrs.Get(headerRequestID); id != "" {
		ctx = logger.WithRequestID(ctx, id)
	}

	if err := messagequeue.Validate(msg.Subject(), msg.Data()); err != nil {
		q.moveToDLQ(msg, err)
		return
	}

	if err := handler(ctx, msg.Subject(), msg.Data()); err != nil {
		if deliveries(msg) >= maxDeliveries {
			q.moveToDLQ(msg, err)
			return
		}
		q.log.Error("message handler failed", "subject", msg.Subject(), "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			q.log.Error("nats nak failed", "error", nakErr)
		}
		return
	}
	if ackErr := msg.Ack(); ackErr != nil {
		q.log.Error("nats ack failed", "error", ackErr)
	}
}

func deliveries(msg jetstream.Msg) uint64 {
	md, err := msg.Metadata()
	if err != nil {
		return 0
	}
	return md.NumDelivered
}

// moveToDLQ republishes msg on its dead-letter subject and terminates it.
func (q *Queue) moveToDLQ(msg jetstream.Msg, cause error) {
	dlq := &nats.Msg{
		Subject: messagequeue.DeadLetterSubject(msg.Subject()),
		Data:    msg.Data(),
		Header:  nats.Header{},
	}
	for k, vs := range msg.Headers() {
		for _, v := range vs {
			dlq.Header.Add(k, v)
		}
	}
	dlq.Header.Set(headerError, cause.Error())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := q.js.PublishMsg(ctx, dlq); err != nil {
		q.log.Error("nats dead-letter publish failed", "subject", dlq.Subject, "error", err)
		_ = msg.Nak()
		return
	}
	q.log.Warn("message moved to dead-letter subject", "subject", msg.Subject(), "error", cause)
	if err := msg.Term(); err != nil && !errors.Is(err, jetstream.ErrMsgAlreadyAckd) {
		q.log.Error("nats term failed", "error", err)
	}
}

// Drain gracefully drains subscriptions and closes the connection.
func (q *Queue) Drain() error {
	return q.nc.Drain()
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the NATS connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}
