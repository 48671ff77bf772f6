// Package errors provides the coarse error taxonomy shared by every
// validator component, so that callers can decide policy (reject an
// object, reject a subtree, retry, abort a cycle) by inspecting a Kind
// instead of matching on error strings.
package errors

import "fmt"

// Kind categorizes a ValidatorError so callers can branch on policy
// without string-matching.
type Kind int

const (
	// InvalidInput covers malformed ASN.1, bad base64, bad JSON.
	InvalidInput Kind = iota
	// CryptoFailure covers signature or digest mismatches.
	CryptoFailure
	// ResourceViolation covers a child's resources not being a subset of
	// its issuer's, or an "inherit" resource set on a trust anchor.
	ResourceViolation
	// StaleObject covers a manifest or CRL past its nextUpdate.
	StaleObject
	// IOError covers filesystem or network failures during fetch/read.
	IOError
	// ProtocolError covers a malformed or unsupported RTR PDU.
	ProtocolError
	// InternalError covers out-of-memory conditions and invariant
	// violations.
	InternalError
	// Fatal covers conditions that should abort the process: no TAL
	// could be loaded, the RTR listener could not bind.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid-input"
	case CryptoFailure:
		return "crypto-failure"
	case ResourceViolation:
		return "resource-violation"
	case StaleObject:
		return "stale-object"
	case IOError:
		return "io-error"
	case ProtocolError:
		return "protocol-error"
	case InternalError:
		return "internal-error"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ValidatorError is the concrete error type produced by every package in
// this module. Object is the filename or URI the error is scoped to, if
// any; it is left empty for errors that aren't object-scoped.
type ValidatorError struct {
	Kind   Kind
	Object string
	Detail string
}

func (ve *ValidatorError) Error() string {
	if ve.Object == "" {
		return ve.Detail
	}
	return fmt.Sprintf("%s: %s", ve.Object, ve.Detail)
}

// New creates a ValidatorError of the given Kind.
func New(kind Kind, msg string, args ...interface{}) error {
	return &ValidatorError{
		Kind:   kind,
		Detail: fmt.Sprintf(msg, args...),
	}
}

// NewForObject creates a ValidatorError scoped to a particular manifest
// entry, certificate, or other named object.
func NewForObject(kind Kind, object string, msg string, args ...interface{}) error {
	return &ValidatorError{
		Kind:   kind,
		Object: object,
		Detail: fmt.Sprintf(msg, args...),
	}
}

// Is reports whether err is a *ValidatorError of the given Kind.
func Is(err error, kind Kind) bool {
	ve, ok := err.(*ValidatorError)
	if !ok {
		return false
	}
	return ve.Kind == kind
}

// KindOf returns the Kind of err, and ok=false if err is not a
// *ValidatorError (in which case callers should treat it as InternalError).
func KindOf(err error) (kind Kind, ok bool) {
	ve, ok := err.(*ValidatorError)
	if !ok {
		return InternalError, false
	}
	return ve.Kind, true
}

func InvalidInputError(msg string, args ...interface{}) error {
	return New(InvalidInput, msg, args...)
}

func CryptoFailureError(msg string, args ...interface{}) error {
	return New(CryptoFailure, msg, args...)
}

func ResourceViolationError(msg string, args ...interface{}) error {
	return New(ResourceViolation, msg, args...)
}

func StaleObjectError(msg string, args ...interface{}) error {
	return New(StaleObject, msg, args...)
}

func IOErrorf(msg string, args ...interface{}) error {
	return New(IOError, msg, args...)
}

func ProtocolErrorf(msg string, args ...interface{}) error {
	return New(ProtocolError, msg, args...)
}

func InternalErrorf(msg string, args ...interface{}) error {
	return New(InternalError, msg, args...)
}

func FatalErrorf(msg string, args ...interface{}) error {
	return New(Fatal, msg, args...)
}
