package verify

import (
	"time"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/pki"
)

// CertLookup resolves a certificate by fingerprint from one store. It
// must return a trace.NotFound-shaped error (trace.IsNotFound) when the
// fingerprint is absent, which ComposedVerifier treats as "try the next
// source" rather than a hard failure.
type CertLookup interface {
	CertificateByFingerprint(fingerprint pki.Fingerprint) (*pki.Certificate, error)
}

// ComposedVerifier is the server's trust root: it tries the
// deployment's own root certificate, then the agent store, then the
// session store, then the user store, in that order. The first source
// that has the fingerprint wins; a source reporting "not found" simply
// falls through to the next one, and any other store error surfaces as
// KindInternal immediately.
type ComposedVerifier struct {
	root     *pki.Certificate
	agents   CertLookup
	sessions CertLookup
	users    CertLookup
}

// Composed builds the server's composed verifier over its own root and
// the three identity stores.
func Composed(root *pki.Certificate, agents, sessions, users CertLookup) *ComposedVerifier {
	return &ComposedVerifier{root: root, agents: agents, sessions: sessions, users: users}
}

// VerifyFingerprint implements Verifier.
func (v *ComposedVerifier) VerifyFingerprint(fingerprint pki.Fingerprint, at time.Time) (*pki.Certificate, error) {
	if fingerprint == v.root.Fingerprint() {
		if err := v.root.CheckValidityAt(at); err != nil {
			return nil, Expired(err)
		}
		return v.root, nil
	}

	for _, source := range []CertLookup{v.agents, v.sessions, v.users} {
		cert, err := source.CertificateByFingerprint(fingerprint)
		switch {
		case err == nil:
			if verr := cert.CheckValidityAt(at); verr != nil {
				return nil, Expired(verr)
			}
			return cert, nil
		case trace.IsNotFound(err):
			continue
		default:
			return nil, Internal(err)
		}
	}

	return nil, Unknown("fingerprint not recognized by any trust source")
}
