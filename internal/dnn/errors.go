package dnn

import (
	"errors"
	"fmt"
)

// Status is a non-success library status.
type Status int

const (
	StatusBadParam Status = iota + 1
	StatusNotSupported
	StatusAllocFailed
	StatusExecutionFailed
	StatusInternalError
)

func (s Status) String() string {
	switch s {
	case StatusBadParam:
		return "BAD_PARAM"
	case StatusNotSupported:
		return "NOT_SUPPORTED"
	case StatusAllocFailed:
		return "ALLOC_FAILED"
	case StatusExecutionFailed:
		return "EXECUTION_FAILED"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("STATUS_%d", int(s))
	}
}

// Error is returned by every failing Library call.
type Error struct {
	Op      string // library call, e.g. "SetTensorDescriptor"
	Status  Status
	Details string
}

func (e *Error) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("dnn %s: %s", e.Op, e.Status)
	}
	return fmt.Sprintf("dnn %s: %s: %s", e.Op, e.Status, e.Details)
}

// Errorf builds an *Error.
func Errorf(op string, status Status, format string, args ...any) *Error {
	return &Error{Op: op, Status: status, Details: fmt.Sprintf(format, args...)}
}

// IsStatus reports whether err carries the given library status.
func IsStatus(err error, status Status) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == status
}
