package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/Strob0t/switchboard/internal/config"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l, closer := newWithWriter(config.Logging{Level: "debug", Service: "test-svc", Format: "json"}, &buf, false)
	defer closer.Close()

	l.Info("hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if rec["service"] != "test-svc" {
		t.Errorf("expected service attribute, got %v", rec["service"])
	}
}

func TestNewAutoPicksTextOnTerminal(t *testing.T) {
	var buf bytes.Buffer
	l, closer := newWithWriter(config.Logging{Service: "svc", Format: "auto"}, &buf, true)
	defer closer.Close()

	l.Info("hello")
	if strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected text output on a terminal, got %q", buf.String())
	}
}

func TestNewAsync(t *testing.T) {
	var buf bytes.Buffer
	l, closer := newWithWriter(config.Logging{Level: "info", Service: "svc", Async: true}, &buf, false)
	l.Info("queued")
	closer.Close()

	if !strings.Contains(buf.String(), "queued") {
		t.Fatalf("expected flushed record after Close, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input).String()
			if got != tt.want {
				t.Errorf("parseLevel(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	base, closer := newWithWriter(config.Logging{Service: "svc"}, &buf, false)
	defer closer.Close()

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = WithTask(ctx, "task-1", "agent-1")
	From(ctx, base).Info("advance")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	for k, want := range map[string]string{"request_id": "req-123", "task_id": "task-1", "agent_id": "agent-1"} {
		if rec[k] != want {
			t.Errorf("%s = %v, want %s", k, rec[k], want)
		}
	}

	if got := RequestID(context.Background()); got != "" {
		t.Errorf("expected empty request ID, got %q", got)
	}
}
