package errors

import (
	"errors"
	"fmt"
)

// Condition identifies a fixed protocol-level error condition carried on the
// wire. The set is closed; upstream-specific failures are reported through
// ConditionUndefined plus an UpstreamError extension so that clients unaware
// of the extension still receive a conformant failure.
type Condition string

// Protocol error conditions
const (
	ConditionBadRequest            Condition = "bad-request"
	ConditionItemNotFound          Condition = "item-not-found"
	ConditionNotAuthorized         Condition = "not-authorized"
	ConditionServiceUnavailable    Condition = "service-unavailable"
	ConditionFeatureNotImplemented Condition = "feature-not-implemented"
	ConditionUndefined             Condition = "undefined-condition"
)

// Valid reports whether c is one of the fixed protocol conditions.
func (c Condition) Valid() bool {
	switch c {
	case ConditionBadRequest, ConditionItemNotFound, ConditionNotAuthorized,
		ConditionServiceUnavailable, ConditionFeatureNotImplemented, ConditionUndefined:
		return true
	}
	return false
}

// ProtocolError is a wire-level failure with a fixed enumerated condition.
// Protocol errors are always safely retryable by the client after correcting
// the request.
type ProtocolError struct {
	Condition Condition
	Text      string
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	if e.Text == "" {
		return string(e.Condition)
	}
	return fmt.Sprintf("%s: %s", e.Condition, e.Text)
}

// NewBadRequest creates a bad-request protocol error
func NewBadRequest(text string) *ProtocolError {
	return &ProtocolError{Condition: ConditionBadRequest, Text: text}
}

// NewItemNotFound creates an item-not-found protocol error
func NewItemNotFound(text string) *ProtocolError {
	return &ProtocolError{Condition: ConditionItemNotFound, Text: text}
}

// NewNotAuthorized creates a not-authorized protocol error
func NewNotAuthorized(text string) *ProtocolError {
	return &ProtocolError{Condition: ConditionNotAuthorized, Text: text}
}

// NewServiceUnavailable creates a service-unavailable protocol error
func NewServiceUnavailable(text string) *ProtocolError {
	return &ProtocolError{Condition: ConditionServiceUnavailable, Text: text}
}

// UpstreamError is an application-level failure originated by the upstream
// data source. Issuer identifies the upstream system, Code is the upstream's
// own opaque error code, and Message is the untranslated human-readable text.
// Issuer and Code are preserved verbatim end to end; this type never invents
// or rewrites a code.
type UpstreamError struct {
	Issuer  string
	Code    string
	Message string
}

// Error implements the error interface
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Issuer, e.Code, e.Message)
}

// AsProtocol extracts a ProtocolError from err's chain, if any.
func AsProtocol(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// AsUpstream extracts an UpstreamError from err's chain, if any.
func AsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
