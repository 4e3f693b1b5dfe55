package imgjail

import "github.com/GriffinCanCode/imgjail/internal/shared/errs"

// Sentinels for errors.Is. Every failure returned by this package wraps
// one of them inside an *Error.
var (
	ErrUnsupportedFormat  = errs.ErrUnsupportedFormat
	ErrSandboxSetupFailed = errs.ErrSandboxSetupFailed
	ErrDecode             = errs.ErrDecode
	ErrWorkerCrashed      = errs.ErrWorkerCrashed
	ErrProtocolViolation  = errs.ErrProtocolViolation
	ErrTimeout            = errs.ErrTimeout
	ErrUsage              = errs.ErrUsage
	ErrCancelled          = errs.ErrCancelled
)

// EndOfDocument is returned by NextFrame once, after the last frame. It
// ends iteration the way io.EOF ends a read.
var EndOfDocument = errs.EndOfDocument

// Error is a classified failure with the operation that produced it
type Error = errs.Error

// ErrorKind classifies an Error
type ErrorKind = errs.Kind

const (
	KindUnknown            = errs.KindUnknown
	KindUnsupportedFormat  = errs.KindUnsupportedFormat
	KindSandboxSetupFailed = errs.KindSandboxSetupFailed
	KindDecode             = errs.KindDecode
	KindWorkerCrashed      = errs.KindWorkerCrashed
	KindProtocolViolation  = errs.KindProtocolViolation
	KindTimeout            = errs.KindTimeout
	KindUsage              = errs.KindUsage
	KindCancelled          = errs.KindCancelled
)

// KindOf returns the kind of err, KindUnknown for foreign errors
func KindOf(err error) ErrorKind {
	return errs.KindOf(err)
}
