// Package errors provides unified, structured errors for HyperStack. Only
// spec loading (internal/specast) returns ServiceErrors; the WebSocket
// gateway logs bad or unknown-view requests rather than returning one.
// Codes exist for VM, bus, WS and source failures, but no code path
// constructs the VM ones: per-event VM failures (transform, resolver-miss,
// pending-expiry, capacity) are counters + debug logs that never propagate.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable, namespaced identifier for a HyperStack error kind.
type ErrorCode string

const (
	// Spec/AST load errors (C1) — fatal at startup.
	ErrCodeSpecInvalid      ErrorCode = "SPEC_1001"
	ErrCodeSpecDuplicate    ErrorCode = "SPEC_1002"
	ErrCodeSpecCycle        ErrorCode = "SPEC_1003"
	ErrCodeSpecUnknownField ErrorCode = "SPEC_1004"

	// VM errors (C3) surfaced for admin/debugging visibility only.
	ErrCodeHandlerInternal   ErrorCode = "VM_2001"
	ErrCodeCapacityExceeded  ErrorCode = "VM_2002"
	ErrCodePendingQueueFull  ErrorCode = "VM_2003"
	ErrCodeResolverMiss      ErrorCode = "VM_2004"

	// Bus errors (C6).
	ErrCodeSubscriberBackpressured ErrorCode = "BUS_3001"

	// WebSocket subscription protocol errors (C7).
	ErrCodeBadSubscription ErrorCode = "WS_4001"
	ErrCodeUnknownView     ErrorCode = "WS_4002"

	// Upstream source errors (C9).
	ErrCodeSourceDisconnected ErrorCode = "SRC_5001"
)

// ServiceError is a structured error with a stable code, an HTTP status for
// the admin/WS surfaces that need one, and optional machine-readable detail.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a detail key/value pair and returns the same error
// for chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap wraps an existing error with a ServiceError.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// SpecInvalid reports a fatal AST validation failure (spec.md §7.1).
func SpecInvalid(reason string) *ServiceError {
	return New(ErrCodeSpecInvalid, reason, http.StatusBadRequest)
}

// SpecDuplicate reports a duplicate view id or entity name.
func SpecDuplicate(kind, name string) *ServiceError {
	return New(ErrCodeSpecDuplicate, "duplicate "+kind, http.StatusBadRequest).
		WithDetails("kind", kind).WithDetails("name", name)
}

// SpecCycle reports a cyclic computed-field dependency.
func SpecCycle(entity string, chain []string) *ServiceError {
	return New(ErrCodeSpecCycle, "cyclic computed field dependency", http.StatusBadRequest).
		WithDetails("entity", entity).WithDetails("chain", chain)
}

// BadSubscription reports a malformed inbound subscription message.
func BadSubscription(reason string) *ServiceError {
	return New(ErrCodeBadSubscription, reason, http.StatusBadRequest)
}

// UnknownView reports a subscription to a view id that isn't registered.
func UnknownView(view string) *ServiceError {
	return New(ErrCodeUnknownView, "unknown view", http.StatusNotFound).WithDetails("view", view)
}

// IsServiceError reports whether err is (or wraps) a *ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a *ServiceError from an error chain, if present.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code associated with err, defaulting
// to 500 when err carries no ServiceError.
func GetHTTPStatus(err error) int {
	if se := GetServiceError(err); se != nil {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}
