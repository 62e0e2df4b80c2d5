// Package gwerr is the gateway error taxonomy and its mapping onto HTTP
// statuses and JSON-RPC error codes.
package gwerr

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mixaill76/evm_gateway/internal/jsonrpc"
)

// Class is the top-level error family.
type Class string

const (
	ClassAuth         Class = "auth"
	ClassRateLimit    Class = "rate_limit"
	ClassValidation   Class = "validation"
	ClassUpstream     Class = "upstream"
	ClassSubscription Class = "subscription"
	ClassInternal     Class = "internal"
)

// Reason narrows a Class.
type Reason string

const (
	ReasonInvalidKey Reason = "invalid_key"
	ReasonSuspended  Reason = "suspended"

	ReasonWindowExceeded   Reason = "window_exceeded"
	ReasonDailyCapExceeded Reason = "daily_cap_exceeded"

	ReasonUnknownNetwork   Reason = "unknown_network"
	ReasonMalformedRequest Reason = "malformed_request"
	ReasonMethodNotAllowed Reason = "method_not_allowed"

	ReasonEndpointDown     Reason = "endpoint_down"
	ReasonTimeout          Reason = "timeout"
	ReasonInvalidResponse  Reason = "invalid_response"
	ReasonAllEndpointsDown Reason = "all_endpoints_down"

	ReasonInvalidType   Reason = "invalid_type"
	ReasonNotFound      Reason = "not_found"
	ReasonQueueOverflow Reason = "queue_overflow"
	ReasonTooMany       Reason = "too_many_subscriptions"

	ReasonInternal    Reason = "internal"
	ReasonMaintenance Reason = "maintenance"
)

// Error is a classified gateway error. Message is safe to show to clients;
// Err carries internal detail for logs only.
type Error struct {
	Class      Class
	Reason     Reason
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Class, e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Class, e.Reason, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on class and reason so sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Reason == "" || e.Reason == t.Reason)
}

// Sentinels for errors.Is checks.
var (
	ErrAuth             = &Error{Class: ClassAuth}
	ErrInvalidKey       = &Error{Class: ClassAuth, Reason: ReasonInvalidKey}
	ErrSuspended        = &Error{Class: ClassAuth, Reason: ReasonSuspended}
	ErrRateLimit        = &Error{Class: ClassRateLimit}
	ErrValidation       = &Error{Class: ClassValidation}
	ErrUnknownNetwork   = &Error{Class: ClassValidation, Reason: ReasonUnknownNetwork}
	ErrMethodNotAllowed = &Error{Class: ClassValidation, Reason: ReasonMethodNotAllowed}
	ErrUpstream         = &Error{Class: ClassUpstream}
	ErrAllEndpointsDown = &Error{Class: ClassUpstream, Reason: ReasonAllEndpointsDown}
	ErrInvalidResponse  = &Error{Class: ClassUpstream, Reason: ReasonInvalidResponse}
	ErrSubscription     = &Error{Class: ClassSubscription}
	ErrInternal         = &Error{Class: ClassInternal}
	ErrMaintenance      = &Error{Class: ClassInternal, Reason: ReasonMaintenance}
)

func newError(class Class, reason Reason, msg string, err error) *Error {
	return &Error{Class: class, Reason: reason, Message: msg, Err: err}
}

func Auth(reason Reason, msg string) *Error {
	return newError(ClassAuth, reason, msg, nil)
}

func RateLimit(reason Reason, retryAfter time.Duration) *Error {
	msg := "rate limit exceeded"
	if reason == ReasonDailyCapExceeded {
		msg = "daily request cap exceeded"
	}
	e := newError(ClassRateLimit, reason, msg, nil)
	e.RetryAfter = retryAfter
	return e
}

func Validation(reason Reason, msg string) *Error {
	return newError(ClassValidation, reason, msg, nil)
}

func Upstream(reason Reason, msg string, err error) *Error {
	return newError(ClassUpstream, reason, msg, err)
}

func Subscription(reason Reason, msg string) *Error {
	return newError(ClassSubscription, reason, msg, nil)
}

// Internal wraps an unexpected failure. The cause is never shown to clients.
func Internal(err error) *Error {
	return newError(ClassInternal, ReasonInternal, "internal error", err)
}

// Maintenance rejects traffic while the gateway is draining or paused.
func Maintenance() *Error {
	return newError(ClassInternal, ReasonMaintenance, "service unavailable: maintenance", nil)
}

// As extracts a gateway error; anything unclassified becomes InternalError.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// HTTPStatus maps an error to the status of a non-batch HTTP response.
func HTTPStatus(err error) int {
	e := As(err)
	if e == nil {
		return http.StatusOK
	}
	switch e.Class {
	case ClassAuth:
		return http.StatusUnauthorized
	case ClassRateLimit:
		return http.StatusTooManyRequests
	case ClassValidation:
		if e.Reason == ReasonMethodNotAllowed {
			return http.StatusOK
		}
		return http.StatusBadRequest
	case ClassUpstream:
		return http.StatusBadGateway
	case ClassSubscription:
		return http.StatusOK
	default:
		return http.StatusServiceUnavailable
	}
}

// RPCCode maps an error to its JSON-RPC error code.
func RPCCode(err error) int {
	e := As(err)
	if e == nil {
		return 0
	}
	switch e.Class {
	case ClassAuth:
		return jsonrpc.CodeUnauthorized
	case ClassRateLimit:
		return jsonrpc.CodeLimitExceeded
	case ClassValidation:
		if e.Reason == ReasonMethodNotAllowed {
			return jsonrpc.CodeMethodNotFound
		}
		return jsonrpc.CodeInvalidRequest
	case ClassUpstream:
		if e.Reason == ReasonInvalidResponse {
			return jsonrpc.CodeInvalidUpstream
		}
		return jsonrpc.CodeUpstreamUnavailable
	case ClassSubscription:
		if e.Reason == ReasonQueueOverflow || e.Reason == ReasonTooMany {
			return jsonrpc.CodeLimitExceeded
		}
		return jsonrpc.CodeInvalidParams
	default:
		return jsonrpc.CodeInternalError
	}
}

// RPCError renders err as a client-safe JSON-RPC error object.
func RPCError(err error) *jsonrpc.Error {
	e := As(err)
	if e == nil {
		return nil
	}
	msg := e.Message
	switch {
	case e.Class == ClassInternal && e.Reason == ReasonMaintenance:
	case e.Class == ClassInternal:
		msg = "internal error"
	case e.Class == ClassUpstream && e.Reason != ReasonInvalidResponse:
		msg = "all upstream endpoints unavailable"
	case msg == "":
		msg = string(e.Reason)
	}
	return &jsonrpc.Error{Code: RPCCode(e), Message: msg}
}
