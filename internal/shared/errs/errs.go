// Package errs defines the error taxonomy shared by every layer of the
// decoding pipeline.
//
// Each failure class has a sentinel for errors.Is and a Kind carried by
// *Error for errors.As. Decoder-originated failures always arrive wrapped
// in *Error so callers can branch on Kind without string matching.
package errs

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnsupportedFormat  = errors.New("unsupported image format")
	ErrSandboxSetupFailed = errors.New("sandbox setup failed")
	ErrDecode             = errors.New("decode error")
	ErrWorkerCrashed      = errors.New("worker crashed")
	ErrProtocolViolation  = errors.New("ipc protocol violation")
	ErrTimeout            = errors.New("worker timed out")
	ErrUsage              = errors.New("usage error")
	ErrCancelled          = errors.New("operation cancelled")

	// EndOfDocument is returned once when a document has no further frames.
	// It is a terminal condition, not a failure.
	EndOfDocument = errors.New("end of document")
)

// Kind classifies an Error
type Kind int

const (
	KindUnknown Kind = iota
	KindUnsupportedFormat
	KindSandboxSetupFailed
	KindDecode
	KindWorkerCrashed
	KindProtocolViolation
	KindTimeout
	KindUsage
	KindCancelled
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindUnsupportedFormat:
		return "unsupported_format"
	case KindSandboxSetupFailed:
		return "sandbox_setup_failed"
	case KindDecode:
		return "decode_error"
	case KindWorkerCrashed:
		return "worker_crashed"
	case KindProtocolViolation:
		return "ipc_protocol_violation"
	case KindTimeout:
		return "timeout"
	case KindUsage:
		return "usage_error"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Sentinel returns the sentinel error matching the kind
func (k Kind) Sentinel() error {
	switch k {
	case KindUnsupportedFormat:
		return ErrUnsupportedFormat
	case KindSandboxSetupFailed:
		return ErrSandboxSetupFailed
	case KindDecode:
		return ErrDecode
	case KindWorkerCrashed:
		return ErrWorkerCrashed
	case KindProtocolViolation:
		return ErrProtocolViolation
	case KindTimeout:
		return ErrTimeout
	case KindUsage:
		return ErrUsage
	case KindCancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// Error is a classified pipeline failure
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New creates an Error of the given kind
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates an Error with a formatted cause
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if s := e.Kind.Sentinel(); s != nil {
		msg = s.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the sentinel for the kind and the underlying cause
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.Sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindUnknown
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// FromContext converts a finished context into a classified error
func FromContext(op string, ctx context.Context) *Error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindTimeout, op, err)
	}
	return New(KindCancelled, op, err)
}
