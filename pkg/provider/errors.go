package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies session failures
type ErrorKind string

const (
	PermissionDenied   ErrorKind = "permission-denied"
	DeviceNotFound     ErrorKind = "device-not-found"
	DeviceBusy         ErrorKind = "device-busy"
	BackendUnreachable ErrorKind = "backend-unreachable"
	UnknownFailure     ErrorKind = "unknown"
)

// Error is a classified session failure
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError wraps err with a classification
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or UnknownFailure
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return UnknownFailure
}
