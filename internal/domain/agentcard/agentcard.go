// Package agentcard defines the registry entry for a discovered remote agent.
package agentcard

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"
)

// Entry is an immutable snapshot of a discovered agent card. Registry
// readers share entries and must not modify them.
type Entry struct {
	ID        string        `json:"id"`
	BaseURL   string        `json:"base_url"`   // normalized registration url
	SourceURL string        `json:"source_url"` // where the card was fetched from
	Card      a2a.AgentCard `json:"card"`
	Epoch     uint64        `json:"epoch"`
	FetchedAt time.Time     `json:"fetched_at"`
}

// Endpoint returns the JSON-RPC endpoint of the agent.
func (e *Entry) Endpoint() string {
	return e.Card.URL
}

// SupportsStreaming reports whether the agent declares SSE streaming.
func (e *Entry) SupportsStreaming() bool {
	return e.Card.Capabilities.Streaming
}

// SupportsPush reports whether the agent declares push notifications.
func (e *Entry) SupportsPush() bool {
	return e.Card.Capabilities.PushNotifications
}

// IDFor derives the stable agent id for a normalized base URL.
func IDFor(baseURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(baseURL)).String()
}

// Normalize parses a registration URL and returns the agent base URL and
// the URL of its card document. A URL that already names the card document
// is kept as the document URL.
func Normalize(raw, wellKnownPath string) (base, cardURL string, err error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse agent url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", fmt.Errorf("agent url %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("agent url %q: missing host", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery, u.Fragment = "", ""

	path := strings.TrimRight(u.Path, "/")
	if strings.HasSuffix(path, wellKnownPath) {
		path = strings.TrimSuffix(path, wellKnownPath)
	}
	u.Path = path
	base = u.String()
	u.Path = path + wellKnownPath
	return base, u.String(), nil
}

// Unroutable reports whether host can only be reached from inside the
// agent's own network namespace.
func Unroutable(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsUnspecified() || ip.IsLoopback())
}

// RewriteHost replaces an unroutable host in advertised with the host the
// card was fetched from, keeping the advertised port. It returns advertised
// unchanged when no rewrite applies.
func RewriteHost(advertised, fetchedFrom string) string {
	a, err := url.Parse(advertised)
	if err != nil || a.Host == "" {
		return advertised
	}
	f, err := url.Parse(fetchedFrom)
	if err != nil || f.Host == "" {
		return advertised
	}
	if !Unroutable(a.Hostname()) || Unroutable(f.Hostname()) {
		return advertised
	}
	host := f.Hostname()
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := a.Port(); port != "" {
		host += ":" + port
	}
	a.Host = host
	return a.String()
}

// VersionSupported reports whether a declared protocol version matches one
// of the accepted major.minor prefixes. An empty declaration is accepted.
func VersionSupported(declared string, accepted []string) bool {
	declared = strings.TrimPrefix(strings.TrimSpace(declared), "v")
	if declared == "" || len(accepted) == 0 {
		return true
	}
	for _, a := range accepted {
		if declared == a || strings.HasPrefix(declared, a+".") {
			return true
		}
	}
	return false
}
