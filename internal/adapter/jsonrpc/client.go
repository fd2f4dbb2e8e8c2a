// Package jsonrpc implements the A2A JSON-RPC client used to reach remote agents.
package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Strob0t/switchboard/internal/domain"
	"github.com/Strob0t/switchboard/internal/logger"
	"github.com/Strob0t/switchboard/internal/port/a2a"
)

const defaultMaxBody = 8 << 20

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithHeader adds a static header to all outgoing requests.
func WithHeader(name, value string) Option {
	return func(cl *Client) { cl.headers.Add(name, value) }
}

// WithMaxBody limits the size of a decoded non-streaming response.
func WithMaxBody(n int64) Option {
	return func(cl *Client) { cl.maxBody = n }
}

// Client speaks A2A JSON-RPC 2.0 over HTTP. One Client serves all agents;
// the endpoint is passed per call.
type Client struct {
	http    *http.Client
	headers http.Header
	maxBody int64
	id      atomic.Uint64
}

var _ a2a.Caller = (*Client)(nil)

// New constructs a Client. Without WithHTTPClient it uses an
// OpenTelemetry-instrumented transport and no client-level timeout; every
// call is bounded by its context instead.
func New(opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		headers: make(http.Header),
		maxBody: defaultMaxBody,
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c
}

// Send invokes tasks/send.
func (c *Client) Send(ctx context.Context, endpoint string, p a2a.TaskSendParams) (*a2a.Task, error) {
	var out a2a.Task
	if err := c.call(ctx, endpoint, a2a.MethodSend, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get invokes tasks/get.
func (c *Client) Get(ctx context.Context, endpoint string, p a2a.TaskQueryParams) (*a2a.Task, error) {
	var out a2a.Task
	if err := c.call(ctx, endpoint, a2a.MethodGet, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel invokes tasks/cancel.
func (c *Client) Cancel(ctx context.Context, endpoint string, p a2a.TaskIDParams) (*a2a.Task, error) {
	var out a2a.Task
	if err := c.call(ctx, endpoint, a2a.MethodCancel, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetPushNotification invokes tasks/pushNotification/set.
func (c *Client) SetPushNotification(ctx context.Context, endpoint string, cfg a2a.TaskPushNotificationConfig) (*a2a.TaskPushNotificationConfig, error) {
	var out a2a.TaskPushNotificationConfig
	if err := c.call(ctx, endpoint, a2a.MethodSetPushConfig, cfg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPushNotification invokes tasks/pushNotification/get.
func (c *Client) GetPushNotification(ctx context.Context, endpoint string, p a2a.TaskIDParams) (*a2a.TaskPushNotificationConfig, error) {
	var out a2a.TaskPushNotificationConfig
	if err := c.call(ctx, endpoint, a2a.MethodGetPushConfig, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendSubscribe invokes tasks/sendSubscribe and returns the SSE event stream.
// An agent that answers with a plain JSON-RPC response instead of a stream
// yields a single-event stream.
func (c *Client) SendSubscribe(ctx context.Context, endpoint string, p a2a.TaskSendParams) (a2a.Stream, error) {
	resp, err := c.post(ctx, endpoint, a2a.MethodSendSubscribe, p, "text/event-stream")
	if err != nil {
		return nil, err
	}

	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mt != "text/event-stream" {
		defer func() { _ = resp.Body.Close() }()
		var t a2a.Task
		if err := c.decode(ctx, resp.Body, &t); err != nil {
			return nil, err
		}
		u := t.AsUpdate()
		return &singleStream{update: &u}, nil
	}
	return newSSEStream(ctx, resp.Body), nil
}

func (c *Client) call(ctx context.Context, endpoint, method string, params, out any) error {
	resp, err := c.post(ctx, endpoint, method, params, "application/json")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return c.decode(ctx, resp.Body, out)
}

func (c *Client) post(ctx context.Context, endpoint, method string, params any, accept string) (*http.Response, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	body, err := json.Marshal(a2a.Request{
		JSONRPC: a2a.JSONRPCVersion,
		ID:      c.id.Add(1),
		Method:  method,
		Params:  raw,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, domain.Wrap(domain.KindUnreachable, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if id := logger.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, Classify(ctx, err, domain.KindUnreachable)
	}
	if resp.StatusCode/100 != 2 {
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, statusError(method, resp)
	}
	return resp, nil
}

func (c *Client) decode(ctx context.Context, r io.Reader, out any) error {
	var rpcResp a2a.Response
	if err := json.NewDecoder(io.LimitReader(r, c.maxBody)).Decode(&rpcResp); err != nil {
		if ctx.Err() != nil {
			return Classify(ctx, err, domain.KindMalformedResponse)
		}
		return domain.Wrap(domain.KindMalformedResponse, err, "decode JSON-RPC response")
	}
	if rpcResp.Error != nil {
		return domain.Wrap(domain.KindRemoteError, rpcResp.Error, "agent returned an error")
	}
	if len(rpcResp.Result) == 0 {
		return domain.Errorf(domain.KindMalformedResponse, "JSON-RPC response has neither result nor error")
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return domain.Wrap(domain.KindMalformedResponse, err, "decode result")
	}
	return nil
}

// statusError classifies a non-2xx HTTP response. Gateway and throttling
// statuses are transient and count against the agent; other statuses mean
// the agent answered and rejected the call.
func statusError(method string, resp *http.Response) error {
	msg := fmt.Sprintf("%s: http status %d", method, resp.StatusCode)
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable,
		http.StatusGatewayTimeout, http.StatusInternalServerError:
		e := domain.Errorf(domain.KindUnreachable, "%s", msg)
		e.RetryAfter = retryAfter(resp.Header.Get("Retry-After"))
		return e
	default:
		return domain.Errorf(domain.KindRemoteError, "%s", msg)
	}
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Classify maps a transport error to a failure kind: context deadline
// becomes Timeout, caller cancellation becomes Canceled, anything else
// becomes fallback.
func Classify(ctx context.Context, err error, fallback domain.Kind) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.Wrap(domain.KindTimeout, err, "no reply before deadline")
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return domain.Wrap(domain.KindCanceled, err, "call canceled")
	default:
		return domain.Wrap(fallback, err, "")
	}
}

type singleStream struct {
	update *a2a.Update
}

func (s *singleStream) Next() (*a2a.Update, error) {
	if s.update == nil {
		return nil, io.EOF
	}
	u := s.update
	s.update = nil
	return u, nil
}

func (s *singleStream) Close() error { return nil }
