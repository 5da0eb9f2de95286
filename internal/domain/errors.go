// Package domain provides canonical error types for the gateway.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind represents the category of a gateway error.
type ErrorKind string

const (
	// KindRouteNotFound indicates no configured route template matched the path.
	KindRouteNotFound ErrorKind = "route_not_found"

	// KindMethodNotAllowed indicates a template matched but not for the request method.
	KindMethodNotAllowed ErrorKind = "method_not_allowed"

	// KindRateLimited indicates admission control denied the request.
	KindRateLimited ErrorKind = "rate_limited"

	// KindUnauthorized indicates a required auth credential was missing or wrong.
	KindUnauthorized ErrorKind = "unauthorized"

	// KindUpstreamTimeout indicates the downstream call exceeded its deadline.
	KindUpstreamTimeout ErrorKind = "upstream_timeout"

	// KindUpstreamUnavailable indicates the downstream could not be reached.
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"

	// KindEntityNotFound indicates the collaborator reported a missing entity.
	KindEntityNotFound ErrorKind = "entity_not_found"

	// KindCollaboratorFailure indicates a generic downstream/storage failure.
	KindCollaboratorFailure ErrorKind = "collaborator_failure"
)

// GatewayError is the canonical error carried between the dispatcher and its
// collaborators. Kinds map to HTTP status codes uniformly; detail is only
// exposed to callers when the gateway runs in development mode.
type GatewayError struct {
	// Kind is the category of error.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// RetryAfter is set for rate-limited errors.
	RetryAfter time.Duration `json:"-"`

	// StatusCode overrides the default status mapping when non-zero.
	StatusCode int `json:"-"`

	// Err is the underlying cause, logged but never exposed in production.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *GatewayError) HTTPStatus() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Kind {
	case KindRouteNotFound, KindEntityNotFound:
		return http.StatusNotFound
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindCollaboratorFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WithStatus sets a specific HTTP status code.
func (e *GatewayError) WithStatus(code int) *GatewayError {
	e.StatusCode = code
	return e
}

// WithCause attaches the underlying error.
func (e *GatewayError) WithCause(err error) *GatewayError {
	e.Err = err
	return e
}

// NewError creates a new gateway error.
func NewError(kind ErrorKind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

// ErrRouteNotFound creates a route-not-found error.
func ErrRouteNotFound(path string) *GatewayError {
	return NewError(KindRouteNotFound, fmt.Sprintf("no route matches %s", path))
}

// ErrMethodNotAllowed creates a method-not-allowed error.
func ErrMethodNotAllowed(method string) *GatewayError {
	return NewError(KindMethodNotAllowed, fmt.Sprintf("method %s not allowed", method))
}

// ErrRateLimited creates a rate-limited error carrying the retry-after hint.
func ErrRateLimited(message string, retryAfter time.Duration) *GatewayError {
	e := NewError(KindRateLimited, message)
	e.RetryAfter = retryAfter
	return e
}

// ErrUnauthorized creates an unauthorized error.
func ErrUnauthorized(message string) *GatewayError {
	return NewError(KindUnauthorized, message)
}

// ErrUpstreamTimeout creates an upstream timeout error.
func ErrUpstreamTimeout(target string) *GatewayError {
	return NewError(KindUpstreamTimeout, fmt.Sprintf("downstream %s did not respond in time", target))
}

// ErrUpstreamUnavailable creates an upstream unavailable error.
func ErrUpstreamUnavailable(target string) *GatewayError {
	return NewError(KindUpstreamUnavailable, fmt.Sprintf("downstream %s is unavailable", target))
}

// ErrEntityNotFound creates an entity-not-found error.
func ErrEntityNotFound(entity, id string) *GatewayError {
	return NewError(KindEntityNotFound, fmt.Sprintf("%s %s not found", entity, id))
}

// ErrCollaboratorFailure creates a generic collaborator failure. The cause is
// carried for logging; callers only ever see the generic message.
func ErrCollaboratorFailure(err error) *GatewayError {
	return NewError(KindCollaboratorFailure, "internal error").WithCause(err)
}

// Envelope is the structured error body returned to clients.
type Envelope struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// AsGatewayError converts any error into a GatewayError, wrapping unknown
// errors as collaborator failures.
func AsGatewayError(err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return ErrCollaboratorFailure(err)
}

// WriteError writes the structured error envelope for err. When development is
// true the underlying cause is included in the body.
func WriteError(w http.ResponseWriter, err error, development bool) {
	ge := AsGatewayError(err)

	env := Envelope{
		Status:  ge.HTTPStatus(),
		Message: ge.Message,
	}
	if development && ge.Err != nil {
		env.Detail = ge.Err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	if ge.Kind == KindRateLimited && ge.RetryAfter > 0 {
		secs := int(ge.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
	}
	w.WriteHeader(env.Status)
	_ = json.NewEncoder(w).Encode(env)
}
