// Package mcperr defines the error taxonomy shared by every subsystem.
// Each error carries a closed Kind which maps to a JSON-RPC error code at
// the tool-dispatcher boundary; nothing below the dispatcher speaks
// JSON-RPC directly.
package mcperr

import (
	"errors"
	"fmt"
)

// Kind is the closed enumeration of error kinds.
type Kind string

const (
	KindParseError           Kind = "parse_error"
	KindInvalidRequest       Kind = "invalid_request"
	KindMethodNotFound       Kind = "method_not_found"
	KindInvalidParams        Kind = "invalid_params"
	KindInternal             Kind = "internal"
	KindTimeout              Kind = "timeout"
	KindCancelled            Kind = "cancelled"
	KindResourceNotFound     Kind = "resource_not_found"
	KindResourceAccessDenied Kind = "resource_access_denied"
	KindResourceUnavailable  Kind = "resource_unavailable"
	KindValidation           Kind = "validation_error"
	KindExternalService      Kind = "external_service_error"
	KindRateLimited          Kind = "rate_limited"
	KindCircuitOpen          Kind = "circuit_open"
	KindSchemaValidation     Kind = "schema_validation"
)

// Code returns the JSON-RPC error code for the kind.
func (k Kind) Code() int {
	switch k {
	case KindParseError:
		return -32700
	case KindInvalidRequest:
		return -32600
	case KindMethodNotFound:
		return -32601
	case KindInvalidParams:
		return -32602
	case KindInternal:
		return -32603
	case KindTimeout, KindCancelled:
		return -32000
	case KindResourceNotFound:
		return -32001
	case KindResourceAccessDenied:
		return -32002
	case KindResourceUnavailable:
		return -32003
	case KindValidation:
		return -32004
	case KindExternalService:
		return -32007
	case KindRateLimited:
		return -32008
	case KindCircuitOpen:
		return -32009
	case KindSchemaValidation:
		return -32010
	default:
		return -32603
	}
}

// Transient reports whether the kind is eligible for retry. Breaker
// decisions and validation failures are never transient.
func (k Kind) Transient() bool {
	switch k {
	case KindExternalService, KindTimeout, KindRateLimited:
		return true
	default:
		return false
	}
}

// Error is the tagged error carried across subsystem boundaries.
type Error struct {
	Kind    Kind
	Message string
	// Data holds optional structured detail surfaced to the caller, e.g.
	// field-level validation failures or cursor suggestions.
	Data map[string]interface{}
	// Service names the external collaborator involved, when any.
	Service string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the JSON-RPC error code for this error.
func (e *Error) Code() int { return e.Kind.Code() }

// New creates a tagged error without a cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a tagged error around a cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithData attaches structured detail and returns the error for chaining.
func (e *Error) WithData(data map[string]interface{}) *Error {
	e.Data = data
	return e
}

// WithService tags the external service name and returns the error.
func (e *Error) WithService(service string) *Error {
	e.Service = service
	return e
}

// KindOf extracts the kind from any error. Untagged errors report
// KindInternal; nil reports an empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}
