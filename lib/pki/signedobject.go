package pki

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gravitational/trace"
)

// Verifier resolves a certificate by fingerprint, confirming it is
// currently valid. It is implemented by lib/verify; pki only depends on
// this narrow interface to avoid an import cycle.
type Verifier interface {
	VerifyFingerprint(fingerprint Fingerprint, at time.Time) (*Certificate, error)
}

// SignedObject carries a CBOR-serialized payload, the certificate that
// signed it, and the signature over the serialized payload bytes.
type SignedObject struct {
	PayloadBytes []byte
	SignerCert   []byte
	Signature    []byte
}

// Sign serializes payload and signs it with signer, attaching signer's
// certificate.
func Sign(payload interface{}, signer *Credential) (*SignedObject, error) {
	encoded, err := cbor.Marshal(payload)
	if err != nil {
		return nil, trace.Wrap(err, "marshaling signed object payload")
	}
	return &SignedObject{
		PayloadBytes: encoded,
		SignerCert:   signer.Certificate.Raw(),
		Signature:    signer.Keys.Sign(encoded),
	}, nil
}

// Verify resolves the signer's certificate through v at the given time
// and checks the signature over the payload bytes, then decodes the
// payload into out (a pointer).
func (s *SignedObject) Verify(v Verifier, at time.Time, out interface{}) error {
	signerCert, err := ParseCertificate(s.SignerCert)
	if err != nil {
		return trace.Wrap(err, "parsing signed object's embedded certificate")
	}

	trusted, err := v.VerifyFingerprint(signerCert.Fingerprint(), at)
	if err != nil {
		return trace.Wrap(err, "resolving signer certificate")
	}

	if !Verify(trusted.PublicKey(), s.PayloadBytes, s.Signature) {
		return trace.BadParameter("signed object signature verification failed")
	}

	if out != nil {
		if err := cbor.Unmarshal(s.PayloadBytes, out); err != nil {
			return trace.BadParameter("decoding signed object payload: %v", err)
		}
	}
	return nil
}

// SignerFingerprint returns the fingerprint of the embedded signer
// certificate without verifying anything.
func (s *SignedObject) SignerFingerprint() (Fingerprint, error) {
	cert, err := ParseCertificate(s.SignerCert)
	if err != nil {
		return Fingerprint{}, trace.Wrap(err)
	}
	return cert.Fingerprint(), nil
}

// DecodeUnverified decodes the payload into out without checking the
// signature. Only safe to call on objects whose signature has already
// been verified upstream (e.g. by the command handler that accepted
// them before handing them to a store for persistence).
func (s *SignedObject) DecodeUnverified(out interface{}) error {
	if err := cbor.Unmarshal(s.PayloadBytes, out); err != nil {
		return trace.BadParameter("decoding signed object payload: %v", err)
	}
	return nil
}
