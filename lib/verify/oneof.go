package verify

import (
	"time"

	"github.com/svalinhq/svalin/lib/pki"
)

// OneOfVerifier trusts any certificate from a fixed set, looked up by
// SPKI hash.
type OneOfVerifier struct {
	certs map[pki.Fingerprint]*pki.Certificate
}

// OneOf builds a Verifier over a fixed set of certificates.
func OneOf(certs ...*pki.Certificate) *OneOfVerifier {
	set := make(map[pki.Fingerprint]*pki.Certificate, len(certs))
	for _, c := range certs {
		set[c.Fingerprint()] = c
	}
	return &OneOfVerifier{certs: set}
}

// VerifyFingerprint implements Verifier.
func (v *OneOfVerifier) VerifyFingerprint(fingerprint pki.Fingerprint, at time.Time) (*pki.Certificate, error) {
	cert, ok := v.certs[fingerprint]
	if !ok {
		return nil, Unknown("fingerprint not in trusted set")
	}
	if err := cert.CheckValidityAt(at); err != nil {
		return nil, Expired(err)
	}
	return cert, nil
}
