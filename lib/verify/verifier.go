// Package verify implements svalin's pluggable trust sources: concrete
// Verifier implementations (Exact, OneOf, Upstream, Remote, and the
// server's composed verifier) plus the TLS integration that adapts any
// of them into a crypto/tls certificate-verification hook.
package verify

import (
	"time"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/pki"
)

// Verifier resolves a certificate identified by fingerprint (or,
// equivalently in this system, SPKI hash) and confirms it is valid at
// the given time. It satisfies pki.Verifier so SignedObject.Verify can
// take any of the concrete verifiers below directly.
type Verifier interface {
	VerifyFingerprint(fingerprint pki.Fingerprint, at time.Time) (*pki.Certificate, error)
}

// Kind distinguishes the error outcomes a Verifier can report, so
// callers can decide whether to retry, log loudly, or just deny.
type Kind int

const (
	// KindUnknown means no verifier in the chain recognized the
	// fingerprint at all.
	KindUnknown Kind = iota
	// KindExpired means the certificate was found but is outside its
	// validity window.
	KindExpired
	// KindRevoked means the certificate was found but has been
	// revoked. No revocation list exists yet (see DESIGN.md); this
	// kind is reserved for when one is designed.
	KindRevoked
	// KindMismatch means the certificate was found but some other
	// binding failed (e.g. pinned leaf does not match).
	KindMismatch
	// KindInternal means the verifier's own machinery failed (store
	// error, network error) rather than the certificate being
	// untrusted.
	KindInternal
)

// Error is the typed error every Verifier returns.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.cause.Error()
	}
	switch e.Kind {
	case KindUnknown:
		return "unknown certificate"
	case KindExpired:
		return "certificate expired"
	case KindRevoked:
		return "certificate revoked"
	case KindMismatch:
		return "certificate mismatch"
	default:
		return "internal verifier error"
	}
}

func (e *Error) Unwrap() error { return e.cause }

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

// Unknown wraps cause (or a default message) as a KindUnknown error.
func Unknown(format string, args ...interface{}) error {
	return newError(KindUnknown, trace.NotFound(format, args...))
}

// Expired wraps cause as a KindExpired error.
func Expired(cause error) error {
	return newError(KindExpired, cause)
}

// Mismatch wraps cause as a KindMismatch error.
func Mismatch(format string, args ...interface{}) error {
	return newError(KindMismatch, trace.BadParameter(format, args...))
}

// Internal wraps cause as a KindInternal error.
func Internal(cause error) error {
	return newError(KindInternal, trace.Wrap(cause))
}

// KindOf extracts the Kind from err, defaulting to KindInternal for
// errors that did not originate from this package.
func KindOf(err error) Kind {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if v, ok := e.(*Error); ok {
			return v.Kind
		}
		u, ok := e.(unwrapper)
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return KindInternal
}
