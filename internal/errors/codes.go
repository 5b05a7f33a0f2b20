// Package errors defines the error taxonomy shared by the ledger, the approval
// state machine and the API layer.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown           Code = "UNKNOWN"
	CodeNotFound          Code = "NOT_FOUND"
	CodeNotEligible       Code = "NOT_ELIGIBLE"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeAlreadyTerminal   Code = "ALREADY_TERMINAL"
	CodeDuplicateResponse Code = "DUPLICATE_RESPONSE"
	CodeNotReady          Code = "NOT_READY"
	CodeConflict          Code = "CONFLICT"
	CodeIntegrityFailure  Code = "INTEGRITY_FAILURE"
	CodeBusy              Code = "BUSY"
	CodeExternal          Code = "EXTERNAL"
)

// parents lists the broader code each specialised code also satisfies.
var parents = map[Code]Code{
	CodeAlreadyTerminal:   CodeInvalidTransition,
	CodeDuplicateResponse: CodeInvalidTransition,
	CodeNotReady:          CodeInvalidTransition,
}

// Error is a coded domain error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// New returns an Error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error with the given code that wraps err.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error whose code equals this error's code or one of its parents,
// so errors.Is(err, ErrInvalidTransition) holds for an ALREADY_TERMINAL error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	for c := e.Code; c != ""; c = parents[c] {
		if c == t.Code {
			return true
		}
	}
	return false
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "not found"}
	ErrNotEligible       = &Error{Code: CodeNotEligible, Message: "not eligible"}
	ErrInvalidArgument   = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition, Message: "invalid transition"}
	ErrAlreadyTerminal   = &Error{Code: CodeAlreadyTerminal, Message: "record is terminal"}
	ErrDuplicateResponse = &Error{Code: CodeDuplicateResponse, Message: "duplicate response"}
	ErrNotReady          = &Error{Code: CodeNotReady, Message: "not ready"}
	ErrConflict          = &Error{Code: CodeConflict, Message: "conflict"}
	ErrIntegrityFailure  = &Error{Code: CodeIntegrityFailure, Message: "integrity failure"}
	ErrBusy              = &Error{Code: CodeBusy, Message: "busy"}
	ErrExternal          = &Error{Code: CodeExternal, Message: "external dependency failed"}
)

// CodeOf returns the code carried by err, or CodeUnknown. A cancelled or
// expired context maps to CodeBusy.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return CodeBusy
	}
	return CodeUnknown
}

// Retryable reports whether re-issuing the same operation may succeed.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeConflict, CodeBusy:
		return true
	}
	return false
}

// HTTPStatus maps err to the status code the API answers with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeNotEligible:
		return http.StatusForbidden
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeInvalidTransition, CodeAlreadyTerminal, CodeDuplicateResponse, CodeNotReady, CodeConflict:
		return http.StatusConflict
	case CodeBusy, CodeIntegrityFailure:
		return http.StatusServiceUnavailable
	case CodeExternal:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
