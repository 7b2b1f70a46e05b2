package wsrep

import "github.com/pkg/errors"

// Kind classifies an error from any component, distinguishing
// recoverable errors the transaction FSM absorbs from fatal ones that end
// the replicator.
type Kind int

const (
	// KindProtocolVersionUnsupported: writeset version unknown. Fatal.
	KindProtocolVersionUnsupported Kind = iota
	// KindChecksumMismatch: writeset corrupt. Fatal; replica leaves the group.
	KindChecksumMismatch
	// KindCertificationConflict: recoverable; writeset becomes a dummy rollback.
	KindCertificationConflict
	// KindOutOfSpace: cache allocation failed; caller must backpressure.
	KindOutOfSpace
	// KindInterrupted: monitor entry canceled; recoverable by the owning trx.
	KindInterrupted
	// KindInconsistentState: replica diverged. Fatal.
	KindInconsistentState
)

func (k Kind) String() string {
	switch k {
	case KindProtocolVersionUnsupported:
		return "protocol-version-unsupported"
	case KindChecksumMismatch:
		return "checksum-mismatch"
	case KindCertificationConflict:
		return "certification-conflict"
	case KindOutOfSpace:
		return "out-of-space"
	case KindInterrupted:
		return "interrupted"
	case KindInconsistentState:
		return "inconsistent-state"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this kind require the replicator to stop
// applying further writesets.
func (k Kind) Fatal() bool {
	switch k {
	case KindProtocolVersionUnsupported, KindChecksumMismatch, KindInconsistentState:
		return true
	default:
		return false
	}
}

// Error is a classified error carrying a Kind alongside the wrapped cause.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.cause.Error() }
func (e *Error) Cause() error  { return e.cause }
func (e *Error) Unwrap() error { return e.cause }

// NewError wraps cause with a classification, using pkg/errors to retain a
// stack trace the way the rest of the core wraps boundary errors.
func NewError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: errors.WithStack(cause)}
}

// Errorf builds a classified error directly from a format string.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind, true
	}
	return 0, false
}
