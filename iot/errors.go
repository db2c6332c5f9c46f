package iot

import (
	"errors"
	"fmt"
)

// ErrorKind classifies upload failures
type ErrorKind string

// all error kinds
const (
	KindClient       ErrorKind = "client"
	KindTenant       ErrorKind = "tenant"
	KindRegistration ErrorKind = "registration"
	KindTransport    ErrorKind = "transport"
	KindCommand      ErrorKind = "command"
)

// Error is an upload failure with the status reported to the device
type Error struct {
	Kind   ErrorKind
	Status StatusCode
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %s", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewClientError is a malformed request
func NewClientError(msg string) *Error {
	return &Error{Kind: KindClient, Status: StatusBadRequest, Msg: msg}
}

// NewTenantError is a disabled tenant or an exceeded limit
func NewTenantError(status StatusCode, msg string) *Error {
	return &Error{Kind: KindTenant, Status: status, Msg: msg}
}

// NewRegistrationError is an unknown or unauthorized device
func NewRegistrationError(status StatusCode, msg string) *Error {
	return &Error{Kind: KindRegistration, Status: status, Msg: msg}
}

// NewTransportError is a failure to talk to the messaging backend
func NewTransportError(msg string, err error) *Error {
	return &Error{Kind: KindTransport, Status: StatusServiceUnavailable, Msg: msg, Err: err}
}

// NewCommandError is a command which cannot be delivered because of its content
func NewCommandError(msg string) *Error {
	return &Error{Kind: KindCommand, Status: StatusBadRequest, Msg: msg}
}

// StatusOf maps an error to a device facing status code. Errors which are not
// of type *Error map to internal server error.
func StatusOf(err error) StatusCode {
	if err == nil {
		return StatusChanged
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return StatusInternalServerError
}

// KindOf returns the kind of an error, or an empty kind for foreign errors
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// outcomeOf is the processing outcome reported for a failed upload
func outcomeOf(err error) ProcessingOutcome {
	if StatusOf(err).IsClientError() {
		return OutcomeUnprocessable
	}
	return OutcomeUndeliverable
}
