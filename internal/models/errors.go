package models

import (
	"errors"
	"fmt"
)

// Code classifies caller-correctable failures.
type Code string

const (
	CodeJobNotFound            Code = "JOB_NOT_FOUND"
	CodeStepNotFound           Code = "STEP_NOT_FOUND"
	CodeSequenceNotFound       Code = "SEQUENCE_NOT_FOUND"
	CodeInvalidTransition      Code = "INVALID_TRANSITION"
	CodeNotLocked              Code = "NOT_LOCKED"
	CodeOrderViolation         Code = "ORDER_VIOLATION"
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	CodeValidation             Code = "VALIDATION"
	CodeDuplicate              Code = "DUPLICATE"
	CodeForbidden              Code = "FORBIDDEN"
)

// Error is a typed domain error. errors.Is matches on Code only, so the sentinels below can be
// compared against errors carrying a specific message or detail.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Detail)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrJobNotFound            = &Error{Code: CodeJobNotFound, Message: "job not found"}
	ErrStepNotFound           = &Error{Code: CodeStepNotFound, Message: "step not found"}
	ErrSequenceNotFound       = &Error{Code: CodeSequenceNotFound, Message: "process sequence not found"}
	ErrInvalidTransition      = &Error{Code: CodeInvalidTransition, Message: "invalid transition"}
	ErrNotLocked              = &Error{Code: CodeNotLocked, Message: "planning is not locked"}
	ErrOrderViolation         = &Error{Code: CodeOrderViolation, Message: "predecessor step not complete"}
	ErrConcurrentModification = &Error{Code: CodeConcurrentModification, Message: "job was modified concurrently"}
	ErrValidation             = &Error{Code: CodeValidation, Message: "validation failed"}
	ErrDuplicate              = &Error{Code: CodeDuplicate, Message: "already exists"}
	ErrForbidden              = &Error{Code: CodeForbidden, Message: "operation not permitted"}
)

// Errorf builds a typed error whose detail is formatted from args.
func Errorf(sentinel *Error, format string, args ...any) *Error {
	return &Error{Code: sentinel.Code, Message: sentinel.Message, Detail: fmt.Sprintf(format, args...)}
}

// AsError extracts the typed error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
