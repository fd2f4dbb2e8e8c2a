package mcp_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	sbmcp "github.com/Strob0t/switchboard/internal/adapter/mcp"
)

func TestAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		apiKey string
		header string
		want   int
	}{
		{"disabled", "", "", http.StatusNoContent},
		{"missing header", "secret", "", http.StatusUnauthorized},
		{"bearer token", "secret", "Bearer secret", http.StatusNoContent},
		{"bare key", "secret", "secret", http.StatusNoContent},
		{"wrong key", "secret", "Bearer nope", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/mcp", http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			sbmcp.AuthMiddleware(tt.apiKey, ok).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
