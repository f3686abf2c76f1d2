package errors

import (
	"errors"
	"fmt"
)

// Error kinds cover every failure class the bridge handles. Only CONFIG
// terminates the process; everything else is caught at a stage boundary.
var (
	ErrConfig     = NewError("CONFIG", "invalid configuration").AsFatal()
	ErrConnection = NewError("CONNECTION", "bus connection failed").AsRetryable()
	ErrDecrypt    = NewError("DECRYPT", "payload decryption failed").AsFatal()
	ErrDecode     = NewError("DECODE", "payload decoding failed").AsFatal()
	ErrStoreBusy  = NewError("STORE_BUSY", "store is busy").AsRetryable()
	ErrAuth       = NewError("AUTH", "gateway rejected credentials").AsFatal()
	ErrGateway    = NewError("GATEWAY", "gateway request failed").AsRetryable()
)

type RetryableError interface {
	error
	IsRetryable() bool
}

type FatalError interface {
	error
	IsFatal() bool
}

// Error is a coded error carried across stage boundaries. The retryable flag
// drives the shared retry policy: fatal errors short-circuit a retry loop.
type Error struct {
	Code      string
	Message   string
	Cause     error
	retryable *bool
}

func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) IsRetryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	if e.Cause != nil {
		var retryableErr RetryableError
		if errors.As(e.Cause, &retryableErr) {
			return retryableErr.IsRetryable()
		}
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return !fatalErr.IsFatal()
		}
	}
	return true
}

func (e *Error) IsFatal() bool {
	return !e.IsRetryable()
}

func (e *Error) WithCause(cause error) *Error {
	err := *e
	err.Cause = cause
	return &err
}

func (e *Error) WithMessage(format string, args ...interface{}) *Error {
	err := *e
	err.Message = fmt.Sprintf(format, args...)
	return &err
}

func (e *Error) AsRetryable() *Error {
	err := *e
	retryable := true
	err.retryable = &retryable
	return &err
}

func (e *Error) AsFatal() *Error {
	err := *e
	retryable := false
	err.retryable = &retryable
	return &err
}

func Wrap(err error, appErr *Error) *Error {
	if err == nil {
		return nil
	}
	return appErr.WithCause(err)
}

func is(err error, code string) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func IsConfig(err error) bool     { return is(err, ErrConfig.Code) }
func IsConnection(err error) bool { return is(err, ErrConnection.Code) }
func IsDecrypt(err error) bool    { return is(err, ErrDecrypt.Code) }
func IsDecode(err error) bool     { return is(err, ErrDecode.Code) }
func IsStoreBusy(err error) bool  { return is(err, ErrStoreBusy.Code) }
func IsAuth(err error) bool       { return is(err, ErrAuth.Code) }
func IsGateway(err error) bool    { return is(err, ErrGateway.Code) }
