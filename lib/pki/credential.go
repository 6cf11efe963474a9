package pki

import (
	"crypto/ed25519"

	"github.com/gravitational/trace"
)

// Credential is an owned certificate plus its matching private key.
// Never transmitted; only its Certificate half ever crosses the wire.
type Credential struct {
	Certificate *Certificate
	Keys        *KeyPair
}

// NewCredential pairs a certificate with a keypair, checking that the
// certificate's public key matches the keypair's.
func NewCredential(cert *Certificate, keys *KeyPair) (*Credential, error) {
	if !publicKeysEqual(cert.PublicKey(), keys.Public) {
		return nil, trace.BadParameter("certificate public key does not match keypair")
	}
	return &Credential{Certificate: cert, Keys: keys}, nil
}

func publicKeysEqual(a, b ed25519.PublicKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Fingerprint is a convenience accessor for the credential's
// certificate's fingerprint.
func (c *Credential) Fingerprint() Fingerprint {
	return c.Certificate.Fingerprint()
}
