package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConcurrentModification means a precondition on live state no longer
	// held: a lock was stolen or another actor moved the document first.
	ErrConcurrentModification = errors.New("concurrent modification")
)

// ApplicationError is a business-rule rejection surfaced to the caller.
type ApplicationError struct {
	Code    string
	Message string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewApplicationError(code, format string, args ...any) *ApplicationError {
	return &ApplicationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

const (
	CodeInvalidTransition = "invalid_transition"
	CodeValidation        = "validation_failed"
	CodeActiveRequest     = "active_request"
	CodeForbidden         = "forbidden"
)
