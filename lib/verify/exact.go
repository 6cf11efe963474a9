package verify

import (
	"time"

	"github.com/svalinhq/svalin/lib/pki"
)

// ExactVerifier trusts exactly one certificate, identified by its own
// fingerprint.
type ExactVerifier struct {
	cert *pki.Certificate
}

// Exact builds a Verifier that only ever accepts cert.
func Exact(cert *pki.Certificate) *ExactVerifier {
	return &ExactVerifier{cert: cert}
}

// VerifyFingerprint implements Verifier.
func (v *ExactVerifier) VerifyFingerprint(fingerprint pki.Fingerprint, at time.Time) (*pki.Certificate, error) {
	if fingerprint != v.cert.Fingerprint() {
		return nil, Unknown("fingerprint does not match pinned certificate")
	}
	if err := v.cert.CheckValidityAt(at); err != nil {
		return nil, Expired(err)
	}
	return v.cert, nil
}
