package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/Strob0t/switchboard/internal/domain"
	"github.com/Strob0t/switchboard/internal/port/a2a"
)

// maxEventBytes bounds a single SSE event.
const maxEventBytes = 4 << 20

// sseStream reads JSON-RPC responses framed as server-sent events.
type sseStream struct {
	ctx  context.Context
	body io.ReadCloser
	r    *bufio.Reader
}

func newSSEStream(ctx context.Context, body io.ReadCloser) *sseStream {
	return &sseStream{ctx: ctx, body: body, r: bufio.NewReaderSize(body, 64<<10)}
}

// Next returns the next update. It returns io.EOF when the server closes the
// stream cleanly between events, and a classified error otherwise.
func (s *sseStream) Next() (*a2a.Update, error) {
	var data strings.Builder
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && line == "" && data.Len() == 0 {
				return nil, io.EOF
			}
			if errors.Is(err, io.EOF) {
				if data.Len() == 0 && strings.TrimSpace(line) == "" {
					return nil, io.EOF
				}
				return nil, domain.Errorf(domain.KindStreamInterrupted, "stream closed mid-event")
			}
			return nil, Classify(s.ctx, err, domain.KindStreamInterrupted)
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			return s.decode(data.String())
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			if data.Len() > maxEventBytes {
				return nil, domain.Errorf(domain.KindMalformedResponse, "stream event exceeds %d bytes", maxEventBytes)
			}
		default:
			// event:, id:, retry: carry nothing this client needs
		}
	}
}

func (s *sseStream) decode(payload string) (*a2a.Update, error) {
	var resp a2a.Response
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return nil, domain.Wrap(domain.KindMalformedResponse, err, "decode stream event")
	}
	if resp.Error != nil {
		return nil, domain.Wrap(domain.KindRemoteError, resp.Error, "agent returned an error")
	}
	var u a2a.Update
	if err := json.Unmarshal(resp.Result, &u); err != nil {
		return nil, domain.Wrap(domain.KindMalformedResponse, err, "decode stream result")
	}
	if u.Empty() {
		return nil, domain.Errorf(domain.KindMalformedResponse, "stream event carries neither status nor artifact")
	}
	return &u, nil
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
