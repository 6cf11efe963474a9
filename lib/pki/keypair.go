// Package pki implements svalin's certificate-adjacent PKI: Ed25519
// keypairs, typed certificates, CSRs, signed objects, and the
// password-based encryption used to protect credentials at rest.
package pki

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"

	"github.com/gravitational/trace"
)

// SPKIHash is the 32-byte SHA-256 of a public key's raw bytes. It is
// used as the stable identity for every certificate in the system.
type SPKIHash [32]byte

// Fingerprint is the identity key used in every store; in this system
// it is identical to the SPKI hash of the certificate's public key.
type Fingerprint = SPKIHash

// HashSPKI computes the SPKI hash of a raw Ed25519 public key.
func HashSPKI(pub ed25519.PublicKey) SPKIHash {
	return sha256.Sum256(pub)
}

// KeyPair is an Ed25519 keypair.
type KeyPair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a new random Ed25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err, "generating ed25519 keypair")
	}
	return &KeyPair{Public: pub, private: priv}, nil
}

// KeyPairFromPrivate reconstructs a KeyPair from a raw private key,
// verifying that its embedded public key is internally consistent.
func KeyPairFromPrivate(priv ed25519.PrivateKey) (*KeyPair, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, trace.BadParameter("invalid ed25519 private key length %d", len(priv))
	}
	return &KeyPair{Public: priv.Public().(ed25519.PublicKey), private: priv}, nil
}

// Sign produces a 64-byte Ed25519 signature over message.
func (k *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}

// PrivateBytes exposes the raw private key, for persistence inside an
// encrypted credential blob only. Never transmitted.
func (k *KeyPair) PrivateBytes() []byte {
	return append([]byte(nil), k.private...)
}

// SPKIHash returns the SPKI hash of this keypair's public key.
func (k *KeyPair) SPKIHash() SPKIHash {
	return HashSPKI(k.Public)
}

// signer exposes the private key as a crypto.Signer for use with
// crypto/x509.CreateCertificate, which svalin certificates are built
// on top of.
func (k *KeyPair) signer() ed25519.PrivateKey {
	return k.private
}

// Signer exposes the private key as a crypto.Signer, for embedding a
// credential directly into a tls.Certificate.
func (k *KeyPair) Signer() ed25519.PrivateKey {
	return k.private
}

// Verify checks an Ed25519 signature over message under pub. It never
// short-circuits on a malformed signature length vs. panicking; it
// simply rejects it.
func Verify(pub ed25519.PublicKey, message, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, signature)
}
