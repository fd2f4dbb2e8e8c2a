package a2a

import "context"

// Caller performs JSON-RPC calls against a remote agent endpoint.
type Caller interface {
	Send(ctx context.Context, endpoint string, p TaskSendParams) (*Task, error)
	SendSubscribe(ctx context.Context, endpoint string, p TaskSendParams) (Stream, error)
	Get(ctx context.Context, endpoint string, p TaskQueryParams) (*Task, error)
	Cancel(ctx context.Context, endpoint string, p TaskIDParams) (*Task, error)
	SetPushNotification(ctx context.Context, endpoint string, cfg TaskPushNotificationConfig) (*TaskPushNotificationConfig, error)
	GetPushNotification(ctx context.Context, endpoint string, p TaskIDParams) (*TaskPushNotificationConfig, error)
}

// Stream yields the events of a tasks/sendSubscribe call. Next returns
// io.EOF when the server closes the stream.
type Stream interface {
	Next() (*Update, error)
	Close() error
}
