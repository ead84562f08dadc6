// Package apperr is the error taxonomy shared by services and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for propagation and HTTP mapping
type Kind string

const (
	KindValidation      Kind = "validation"
	KindPermission      Kind = "permission"
	KindNotFound        Kind = "not_found"
	KindRateLimit       Kind = "rate_limit"
	KindAIProvider      Kind = "ai_provider_failure"
	KindDatabase        Kind = "database_failure"
	KindExternalService Kind = "external_service_failure"
	KindCircuitOpen     Kind = "circuit_open"
	KindConfiguration   Kind = "configuration"
)

// Error carries a stable code, a user-facing message and developer details
type Error struct {
	Kind       Kind                   `json:"kind"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Transient  bool                   `json:"transient"`
	Service    string                 `json:"service,omitempty"`
	Attempts   int                    `json:"attempts,omitempty"`
	RetryAfter time.Duration          `json:"-"`
	Timestamp  time.Time              `json:"timestamp"`
	Err        error                  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, code, message string) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// WithDetail attaches a developer detail and returns the receiver
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Validation reports bad input on a named field
func Validation(field, message string) *Error {
	e := newError(KindValidation, "validation_error", message)
	if field != "" {
		e.WithDetail("field", field)
	}
	return e
}

// NotFound is returned for missing resources and for resources owned by someone else
func NotFound(resource string, id interface{}) *Error {
	return newError(KindNotFound, resource+"_not_found", fmt.Sprintf("%s not found", resource)).
		WithDetail("id", fmt.Sprint(id))
}

// Permission is kept for internal checks; the HTTP layer reports it as not found
func Permission(resource string) *Error {
	return newError(KindPermission, "permission_denied", fmt.Sprintf("%s not found", resource))
}

// RateLimited reports an exceeded quota
func RateLimited(message string, retryAfter time.Duration) *Error {
	e := newError(KindRateLimit, "rate_limited", message)
	e.RetryAfter = retryAfter
	e.Transient = true
	return e
}

// Configuration reports a missing or unusable setting or credential
func Configuration(code, message string) *Error {
	return newError(KindConfiguration, code, message)
}

// CircuitOpen reports a rejected call and the residual recovery time
func CircuitOpen(service string, retryAfter time.Duration) *Error {
	secs := int(retryAfter.Round(time.Second) / time.Second)
	e := newError(KindCircuitOpen, "circuit_open",
		fmt.Sprintf("%s is temporarily unavailable, retry in %ds", service, secs))
	e.Service = service
	e.RetryAfter = retryAfter
	e.Transient = true
	return e
}

// Failure wraps an outbound or store error after the retry budget was spent
func Failure(kind Kind, service string, attempts int, transient bool, err error) *Error {
	msg := "request failed"
	switch kind {
	case KindAIProvider:
		msg = "AI provider request failed"
	case KindDatabase:
		msg = "database operation failed"
	case KindExternalService:
		msg = "external service request failed"
	}
	if transient {
		msg += ", try again later"
	}
	e := newError(kind, string(kind), msg)
	e.Service = service
	e.Attempts = attempts
	e.Transient = transient
	e.Err = err
	return e
}

// As extracts an *Error from a chain
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// KindOf returns the kind of err or the empty kind
func KindOf(err error) Kind {
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return ""
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to the status code the public API reports
func HTTPStatus(err error) int {
	ae, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ae.Kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound, KindPermission:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindCircuitOpen:
		return http.StatusServiceUnavailable
	case KindConfiguration:
		return http.StatusBadRequest
	case KindAIProvider, KindDatabase, KindExternalService:
		if ae.Transient {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}
