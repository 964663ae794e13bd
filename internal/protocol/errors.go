package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable error vocabulary surfaced to callers.
type ErrorCode string

const (
	CodeAuthFailed        ErrorCode = "AUTH_FAILED"
	CodeSeatLimitExceeded ErrorCode = "SEAT_LIMIT_EXCEEDED"
	CodeSessionExpired    ErrorCode = "SESSION_EXPIRED"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeActionFailed      ErrorCode = "ACTION_FAILED"
	CodeConnectionLost    ErrorCode = "CONNECTION_LOST"
	CodeProtocol          ErrorCode = "PROTOCOL_ERROR"
)

// Error is a coded failure. Business failures returned by Action handlers use
// CodeActionFailed with a human readable Message.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code so errors.Is(err, ErrTimeout) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.Err == nil
}

// Code-only sentinels for errors.Is.
var (
	ErrAuthFailed        = &Error{Code: CodeAuthFailed}
	ErrSeatLimitExceeded = &Error{Code: CodeSeatLimitExceeded}
	ErrSessionExpired    = &Error{Code: CodeSessionExpired}
	ErrTimeout           = &Error{Code: CodeTimeout}
	ErrActionFailed      = &Error{Code: CodeActionFailed}
	ErrConnectionLost    = &Error{Code: CodeConnectionLost}
)

// Errorf builds an *Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code ErrorCode, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
