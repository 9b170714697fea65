package errors

import (
	stderrors "errors"
	"fmt"
)

// Error codes shared by the engine and its transports.
const (
	CodeConfiguration int64 = 1001
	CodeTransport     int64 = 1002
	CodeCommit        int64 = 1003
	CodeHandler       int64 = 1004
)

type Error struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Cause   error  // the underlying error
	Details any    `json:"details,omitempty"`
}

func NewError(code int64, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) GetCode() int64 {
	return e.Code
}

func (e *Error) GetMessage() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) GetDetails() any {
	return e.Details
}

// Is matches any *Error carrying the same code, so callers can write
// errors.Is(err, &Error{Code: CodeConfiguration}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// HasCode reports whether err wraps an *Error with the given code.
func HasCode(err error, code int64) bool {
	var e *Error
	for err != nil {
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}
