// Package errs implements the error-kind taxonomy of spec.md §7: one
// Kind value per subsystem, carried in the Kind field of the single Error
// type (which satisfies the error interface) so callers can switch on
// kind without string matching. The mapping from kind to a ZHTP/1.0
// status code is protocol.StatusForErrorKind.
//
// Grounded on the teacher's error-handling idiom of sentinel
// package-level errors joined with fmt.Errorf's %w, generalized here
// into a small typed wrapper so every subsystem's errors carry the
// same Kind field without each package re-deriving one.
package errs

import "fmt"

// Kind classifies an error by the subsystem-level taxonomy of
// spec.md §7.
type Kind int

const (
	KindCrypto Kind = iota
	KindIdentity
	KindHandshake
	KindRouting
	KindStorage
	KindValidation
	KindEconomic
	KindConcurrency
)

func (k Kind) String() string {
	switch k {
	case KindCrypto:
		return "CryptoError"
	case KindIdentity:
		return "IdentityError"
	case KindHandshake:
		return "HandshakeError"
	case KindRouting:
		return "RoutingError"
	case KindStorage:
		return "StorageError"
	case KindValidation:
		return "ValidationError"
	case KindEconomic:
		return "EconomicError"
	case KindConcurrency:
		return "ConcurrencyError"
	default:
		return "UnknownError"
	}
}

// Error wraps an underlying cause with a Kind, per spec.md §7: every
// surfaced error carries a kind and an operator-readable message but
// never leaks secrets (callers must not wrap raw secret material here).
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "uhp.VerifyAndRespond"
	Err  error
}

func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether this kind of error is ever retryable at a
// component boundary, per spec.md §7's propagation policy: routing and
// storage errors may be retried with backoff; crypto, identity,
// handshake, validation, and economic errors are never recovered
// locally.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRouting, KindStorage, KindConcurrency:
		return true
	default:
		return false
	}
}
