// Package domain provides shared domain-level errors and failure kinds.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates malformed caller input.
var ErrValidation = errors.New("validation failed")

// Kind classifies a task or delivery failure.
type Kind string

const (
	KindDiscovery              Kind = "DiscoveryError"
	KindAgentUnavailable       Kind = "AgentUnavailable"
	KindCircuitOpen            Kind = "CircuitOpen"
	KindInvalidTransition      Kind = "InvalidTransition"
	KindStreamInterrupted      Kind = "StreamInterrupted"
	KindTimeout                Kind = "Timeout"
	KindMalformedResponse      Kind = "MalformedResponse"
	KindInputRequired          Kind = "InputRequired"
	KindUnreachable            Kind = "Unreachable"
	KindRemoteError            Kind = "RemoteError"
	KindContentTypeUnsupported Kind = "ContentTypeUnsupported"
	KindCanceled               Kind = "Canceled"
)

// Retryable reports whether a failure of this kind may succeed if the caller
// tries again later without changing the request.
func (k Kind) Retryable() bool {
	switch k {
	case KindAgentUnavailable, KindCircuitOpen, KindStreamInterrupted,
		KindTimeout, KindUnreachable, KindDiscovery:
		return true
	default:
		return false
	}
}

// HealthAffecting reports whether a failure of this kind counts against the
// remote agent's circuit.
func (k Kind) HealthAffecting() bool {
	switch k {
	case KindUnreachable, KindTimeout, KindMalformedResponse, KindStreamInterrupted:
		return true
	default:
		return false
	}
}

// Error is a classified failure. Sentinels built with only a Kind match any
// Error of the same kind under errors.Is.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

// Sentinels for errors.Is checks.
var (
	ErrAgentUnavailable       = &Error{Kind: KindAgentUnavailable}
	ErrCircuitOpen            = &Error{Kind: KindCircuitOpen}
	ErrInvalidTransition      = &Error{Kind: KindInvalidTransition}
	ErrStreamInterrupted      = &Error{Kind: KindStreamInterrupted}
	ErrTimeout                = &Error{Kind: KindTimeout}
	ErrMalformedResponse      = &Error{Kind: KindMalformedResponse}
	ErrUnreachable            = &Error{Kind: KindUnreachable}
	ErrRemoteError            = &Error{Kind: KindRemoteError}
	ErrContentTypeUnsupported = &Error{Kind: KindContentTypeUnsupported}
)

// Errorf builds an Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// KindOf returns the failure kind carried by err, or "" when err is not classified.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	var disc *DiscoveryError
	if errors.As(err, &disc) {
		return KindDiscovery
	}
	return ""
}

// DiscoveryReason explains why an agent card could not be registered.
type DiscoveryReason string

const (
	ReasonUnreachable        DiscoveryReason = "Unreachable"
	ReasonMalformedCard      DiscoveryReason = "MalformedCard"
	ReasonUnsupportedVersion DiscoveryReason = "UnsupportedVersion"
)

// DiscoveryError is returned when fetching or validating an agent card fails.
type DiscoveryError struct {
	URL    string
	Reason DiscoveryReason
	Err    error
}

func (e *DiscoveryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("discover %s: %s", e.URL, e.Reason)
	}
	return fmt.Sprintf("discover %s: %s: %v", e.URL, e.Reason, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }
