// Package discovery fetches A2A agent cards and probes agent liveness over
// HTTP.
package discovery

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	sdk "github.com/a2aproject/a2a-go/a2a"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Strob0t/switchboard/internal/config"
	"github.com/Strob0t/switchboard/internal/domain"
	"github.com/Strob0t/switchboard/internal/domain/agentcard"
	"github.com/Strob0t/switchboard/internal/port/cache"
	"github.com/Strob0t/switchboard/internal/port/discovery"
)

//go:embed agentcard.schema.json
var cardSchema []byte

const schemaURL = "agentcard.schema.json"

// Option configures a Fetcher or Prober.
type Option func(*http.Client)

// WithHTTPClient replaces the HTTP transport used for outbound requests.
func WithHTTPClient(c *http.Client) Option {
	return func(dst *http.Client) { *dst = *c }
}

func newHTTPClient(opts []Option) *http.Client {
	c := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Fetcher downloads agent card documents, validates them and caches the
// raw document.
type Fetcher struct {
	http   *http.Client
	cache  cache.Cache
	schema *jsonschema.Schema
	cfg    config.Discovery
	log    *slog.Logger
}

var _ discovery.CardFetcher = (*Fetcher)(nil)

// NewFetcher compiles the card schema and returns a Fetcher. c may be nil
// to disable caching.
func NewFetcher(cfg config.Discovery, c cache.Cache, log *slog.Logger, opts ...Option) (*Fetcher, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(cardSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal card schema: %w", err)
	}
	comp := jsonschema.NewCompiler()
	if err := comp.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add card schema: %w", err)
	}
	schema, err := comp.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile card schema: %w", err)
	}
	return &Fetcher{
		http:   newHTTPClient(opts),
		cache:  c,
		schema: schema,
		cfg:    cfg,
		log:    log,
	}, nil
}

// Fetch returns the validated card published at cardURL, from cache when
// possible.
func (f *Fetcher) Fetch(ctx context.Context, cardURL string) (sdk.AgentCard, error) {
	key := cache.CardKey(cardURL)
	if f.cache != nil {
		raw, ok, err := f.cache.Get(ctx, key)
		if err != nil {
			f.log.Warn("card cache get failed", "url", cardURL, "error", err)
		}
		if ok {
			card, err := f.parse(cardURL, raw)
			if err == nil {
				return card, nil
			}
			f.log.Warn("dropping invalid cached card", "url", cardURL, "error", err)
			_ = f.cache.Delete(ctx, key)
		}
	}

	raw, err := f.download(ctx, cardURL)
	if err != nil {
		return sdk.AgentCard{}, err
	}
	card, err := f.parse(cardURL, raw)
	if err != nil {
		return sdk.AgentCard{}, err
	}
	if f.cache != nil {
		if err := f.cache.Set(ctx, key, raw, f.cfg.CacheTTL); err != nil {
			f.log.Warn("card cache set failed", "url", cardURL, "error", err)
		}
	}
	return card, nil
}

// Invalidate drops the cached document for cardURL.
func (f *Fetcher) Invalidate(ctx context.Context, cardURL string) error {
	if f.cache == nil {
		return nil
	}
	return f.cache.Delete(ctx, cache.CardKey(cardURL))
}

func (f *Fetcher) download(ctx context.Context, cardURL string) ([]byte, error) {
	if f.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.FetchTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cardURL, http.NoBody)
	if err != nil {
		return nil, discoveryErr(cardURL, domain.ReasonUnreachable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, discoveryErr(cardURL, domain.ReasonUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, discoveryErr(cardURL, domain.ReasonUnreachable,
			fmt.Errorf("http status %d", resp.StatusCode))
	}

	limit := f.cfg.MaxCardBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, discoveryErr(cardURL, domain.ReasonUnreachable, err)
	}
	if int64(len(raw)) > limit {
		return nil, discoveryErr(cardURL, domain.ReasonMalformedCard,
			fmt.Errorf("card exceeds %d bytes", limit))
	}
	return raw, nil
}

// parse validates raw against the card schema and the accepted protocol
// versions.
func (f *Fetcher) parse(cardURL string, raw []byte) (sdk.AgentCard, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return sdk.AgentCard{}, discoveryErr(cardURL, domain.ReasonMalformedCard, err)
	}
	if err := f.schema.Validate(inst); err != nil {
		return sdk.AgentCard{}, discoveryErr(cardURL, domain.ReasonMalformedCard, err)
	}

	var card sdk.AgentCard
	if err := json.Unmarshal(raw, &card); err != nil {
		return sdk.AgentCard{}, discoveryErr(cardURL, domain.ReasonMalformedCard, err)
	}
	if !agentcard.VersionSupported(card.ProtocolVersion, f.cfg.ProtocolVersions) {
		return sdk.AgentCard{}, discoveryErr(cardURL, domain.ReasonUnsupportedVersion,
			fmt.Errorf("protocol version %q not in %v", card.ProtocolVersion, f.cfg.ProtocolVersions))
	}
	return card, nil
}

func discoveryErr(url string, reason domain.DiscoveryReason, err error) *domain.DiscoveryError {
	return &domain.DiscoveryError{URL: url, Reason: reason, Err: err}
}
