package app

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so the CLI can decide what to clean up and which
// exit status to report.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuth
	KindConnection
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindConnection:
		return "connection"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is the error type returned by the Garmin client and the upload routine.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrNoSession is returned by a SessionStore when nothing has been cached yet.
var ErrNoSession = errors.New("no cached session")

func authError(op string, err error) error {
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

func connectionError(op string, err error) error {
	return &Error{Kind: KindConnection, Op: op, Err: err}
}

func validationError(op string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsAuthOrConnection reports whether err should invalidate the cached session.
func IsAuthOrConnection(err error) bool {
	k := KindOf(err)
	return k == KindAuth || k == KindConnection
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindValidation:
		return 1
	case KindAuth:
		return 2
	case KindConnection:
		return 3
	default:
		return 4
	}
}

// NewValidationError wraps err as a validation failure for callers outside the package.
func NewValidationError(op string, err error) error {
	return validationError(op, err)
}
