package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Strob0t/switchboard/internal/domain"
	"github.com/Strob0t/switchboard/internal/domain/health"
	"github.com/Strob0t/switchboard/internal/port/discovery"
)

// Prober checks agent liveness with GET <base><path>. Agents without a
// health endpoint (404) are probed by fetching their card instead.
type Prober struct {
	http    *http.Client
	fetcher *Fetcher
	path    string
	timeout time.Duration
}

var _ discovery.Prober = (*Prober)(nil)

// NewProber returns a Prober. fetcher serves the 404 fallback and bypasses
// its cache for it.
func NewProber(path string, timeout time.Duration, fetcher *Fetcher, opts ...Option) *Prober {
	if path == "" {
		path = "/health"
	}
	return &Prober{http: newHTTPClient(opts), fetcher: fetcher, path: path, timeout: timeout}
}

// Probe runs one liveness check.
func (p *Prober) Probe(ctx context.Context, baseURL, cardURL string) (health.Status, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+p.path, http.NoBody)
	if err != nil {
		return health.Status{}, domain.Wrap(domain.KindUnreachable, err, "build probe request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return health.Status{}, classify(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound && p.fetcher != nil:
		return p.probeCard(ctx, cardURL)
	case resp.StatusCode/100 != 2:
		return health.Status{}, domain.Errorf(domain.KindUnreachable, "health endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return health.Status{}, classify(ctx, err)
	}
	var st health.Status
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &st); err != nil {
			return health.Status{}, domain.Wrap(domain.KindMalformedResponse, err, "decode health body")
		}
	}
	if !st.Healthy() {
		return st, domain.Errorf(domain.KindUnreachable, "agent reports status %q", st.Status)
	}
	return st, nil
}

func (p *Prober) probeCard(ctx context.Context, cardURL string) (health.Status, error) {
	raw, err := p.fetcher.download(ctx, cardURL)
	if err != nil {
		return health.Status{}, classify(ctx, err)
	}
	card, err := p.fetcher.parse(cardURL, raw)
	if err != nil {
		return health.Status{}, domain.Wrap(domain.KindMalformedResponse, err, "card fallback")
	}
	return health.Status{Status: "ok", Version: card.Version}, nil
}

func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.Wrap(domain.KindTimeout, err, "probe timed out")
	case errors.Is(ctx.Err(), context.Canceled):
		return domain.Wrap(domain.KindCanceled, err, "probe canceled")
	default:
		return domain.Wrap(domain.KindUnreachable, err, "probe failed")
	}
}
