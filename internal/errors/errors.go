package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// E is the service-layer error carried between components until a handler
// renders it.
type E struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *E) Unwrap() error { return e.Err }

// New creates a typed error.
func New(code ErrorCode, format string, args ...interface{}) *E {
	return &E{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code ErrorCode, format string, args ...interface{}) *E {
	return &E{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithDetail returns a copy carrying one extra detail field.
func (e *E) WithDetail(key string, value any) *E {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// CodeOf extracts the error code, defaulting to internal_error.
func CodeOf(err error) ErrorCode {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternalError
}

// Write renders any error as the standard JSON envelope. Untyped errors
// become internal_error without leaking their message.
func Write(w http.ResponseWriter, err error) {
	var e *E
	if errors.As(err, &e) {
		WriteError(w, e.Code, e.Message, e.Details)
		return
	}
	WriteSimpleError(w, ErrCodeInternalError, "internal error")
}
