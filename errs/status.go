// Package errs defines the status codes and error-handling table used to
// deliver exactly one terminal callback per submission, including the
// asynchronous case where a parameter-server transport error arrives after
// the normal completion path has already started.
package errs

import "fmt"

// Code enumerates the terminal status kinds a submission's callback may observe.
type Code int

const (
	// OK indicates the submission completed successfully.
	OK Code = iota
	// UnknownError is a catch-all for failures without a more specific code.
	UnknownError
	// PreconditionError indicates an operation was attempted before its
	// required setup (e.g. context not yet initialized).
	PreconditionError
	// Aborted indicates the runtime is shutting down or already shut down.
	Aborted
	// InvalidArgument indicates a bad split, duplicate key, or other caller error.
	InvalidArgument
	// InProgress indicates an operation that has not yet completed (non-terminal).
	InProgress
	// DataLoss is surfaced from the parameter-server transport.
	DataLoss
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case UnknownError:
		return "UnknownError"
	case PreconditionError:
		return "PreconditionError"
	case Aborted:
		return "Aborted"
	case InvalidArgument:
		return "InvalidArgument"
	case InProgress:
		return "InProgress"
	case DataLoss:
		return "DataLoss"
	default:
		return "Invalid"
	}
}

// Status is a lightweight error type carrying a Code and an optional message.
// It is the value threaded through StatusCallback.
type Status struct {
	Code Code
	Msg  string
}

// StatusOK is the canonical success value.
var StatusOK = Status{Code: OK}

// New builds a Status with a formatted message.
func New(code Code, format string, args ...any) Status {
	return Status{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Error implements the error interface so Status can be returned/wrapped normally.
func (s Status) Error() string {
	if s.Msg == "" {
		return s.Code.String()
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Msg)
}

// OK reports whether the status represents success.
func (s Status) OK() bool {
	return s.Code == OK
}

// IsTerminal reports whether the status should be delivered to a submission's
// callback (i.e. it is not the non-terminal InProgress marker).
func (s Status) IsTerminal() bool {
	return s.Code != InProgress
}

// FirstNonOK returns a, unless a is OK, in which case it returns b. It is used
// by the loop dispatcher to pick the status reported to a submission's
// callback when multiple partitions observed different outcomes: the first
// non-OK status wins.
func FirstNonOK(a, b Status) Status {
	if !a.OK() {
		return a
	}
	return b
}
