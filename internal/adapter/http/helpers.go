package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/switchboard/internal/domain"
)

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request, bodyLimit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// requireField writes a 400 error and returns false when value is empty.
func requireField(w http.ResponseWriter, value, fieldName string) bool {
	if value == "" {
		writeError(w, http.StatusBadRequest, fieldName+" is required")
		return false
	}
	return true
}

// queryInt parses a non-negative integer query parameter. Absent means 0.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

type errorResponse struct {
	Error             string      `json:"error"`
	Kind              domain.Kind `json:"kind,omitempty"`
	Retryable         bool        `json:"retryable,omitempty"`
	RetryAfterSeconds int         `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// kindStatus maps a failure kind to the HTTP status reported for it.
var kindStatus = map[domain.Kind]int{
	domain.KindDiscovery:              http.StatusBadGateway,
	domain.KindAgentUnavailable:       http.StatusServiceUnavailable,
	domain.KindCircuitOpen:            http.StatusServiceUnavailable,
	domain.KindInvalidTransition:      http.StatusConflict,
	domain.KindStreamInterrupted:      http.StatusBadGateway,
	domain.KindTimeout:                http.StatusGatewayTimeout,
	domain.KindMalformedResponse:      http.StatusBadGateway,
	domain.KindInputRequired:          http.StatusConflict,
	domain.KindUnreachable:            http.StatusBadGateway,
	domain.KindRemoteError:            http.StatusBadGateway,
	domain.KindContentTypeUnsupported: http.StatusUnsupportedMediaType,
	domain.KindCanceled:               http.StatusConflict,
}

func writeDomainError(w http.ResponseWriter, err error, fallbackMsg string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, fallbackMsg)
		return
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "resource was modified by another request")
		return
	case errors.Is(err, domain.ErrValidation):
		msg := strings.TrimSuffix(err.Error(), ": "+domain.ErrValidation.Error())
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	kind := domain.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		writeInternalError(w, err)
		return
	}

	var disc *domain.DiscoveryError
	if errors.As(err, &disc) && disc.Reason != domain.ReasonUnreachable {
		status = http.StatusUnprocessableEntity
	}

	resp := errorResponse{Error: err.Error(), Kind: kind, Retryable: kind.Retryable()}
	var de *domain.Error
	if errors.As(err, &de) && de.RetryAfter > 0 {
		resp.RetryAfterSeconds = int(de.RetryAfter.Round(time.Second) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfterSeconds))
	}
	writeJSON(w, status, resp)
}

// writeInternalError logs the actual error server-side and returns a generic message to the client.
func writeInternalError(w http.ResponseWriter, err error) {
	slog.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}
