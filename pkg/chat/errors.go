package chat

import (
	"errors"
	"fmt"
)

// Code classifies a pipeline failure. It travels to clients in the error event.
type Code string

const (
	CodePrecondition     Code = "precondition"
	CodeSelfMessage      Code = "self_message"
	CodeInvalidPayload   Code = "invalid_payload"
	CodeRateLimited      Code = "rate_limited"
	CodePersistence      Code = "persistence_failure"
	CodeStoreUnavailable Code = "store_unavailable"
	CodeInternal         Code = "internal"
)

// Error is returned by every Service operation that fails. Errors are always
// reported to the requester only.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the Code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsPrecondition reports whether err is a requester mistake rather than an
// infrastructure failure.
func IsPrecondition(err error) bool {
	switch CodeOf(err) {
	case CodePrecondition, CodeSelfMessage, CodeInvalidPayload:
		return true
	}
	return false
}
