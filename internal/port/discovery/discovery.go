// Package discovery defines the ports for fetching agent cards and probing
// agent liveness.
package discovery

import (
	"context"

	sdk "github.com/a2aproject/a2a-go/a2a"

	"github.com/Strob0t/switchboard/internal/domain/health"
)

// CardFetcher retrieves and validates agent card documents. Errors are
// *domain.DiscoveryError.
type CardFetcher interface {
	Fetch(ctx context.Context, cardURL string) (sdk.AgentCard, error)
	// Invalidate drops any cached copy of the document at cardURL.
	Invalidate(ctx context.Context, cardURL string) error
}

// Prober runs one liveness check against an agent. Errors carry a
// domain.Kind.
type Prober interface {
	Probe(ctx context.Context, baseURL, cardURL string) (health.Status, error)
}
