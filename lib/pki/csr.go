package pki

import (
	"crypto/ed25519"

	"github.com/fxamacker/cbor/v2"
	"github.com/gravitational/trace"
)

// csrBody is the part of a CSR the proof-of-possession signature
// covers: the requester's own SPKI and the certificate type they are
// asking to be issued.
type csrBody struct {
	PublicKey     ed25519.PublicKey
	RequestedType CertType
}

// CSR is a certificate signing request: a public key, the certificate
// type requested for it, and a signature proving possession of the
// matching private key.
type CSR struct {
	body      csrBody
	signature []byte
}

// NewCSR builds a CSR for keys, requesting certType.
func NewCSR(keys *KeyPair, certType CertType) (*CSR, error) {
	body := csrBody{PublicKey: keys.Public, RequestedType: certType}
	encoded, err := cbor.Marshal(body)
	if err != nil {
		return nil, trace.Wrap(err, "marshaling csr body")
	}
	return &CSR{body: body, signature: keys.Sign(encoded)}, nil
}

// PublicKey is the key the CSR is requesting a certificate for.
func (c *CSR) PublicKey() ed25519.PublicKey { return append(ed25519.PublicKey(nil), c.body.PublicKey...) }

// RequestedType is the certificate type being requested.
func (c *CSR) RequestedType() CertType { return c.body.RequestedType }

// Verify checks the proof-of-possession signature over the CSR body.
func (c *CSR) Verify() error {
	encoded, err := cbor.Marshal(c.body)
	if err != nil {
		return trace.Wrap(err, "marshaling csr body")
	}
	if !Verify(c.body.PublicKey, encoded, c.signature) {
		return trace.BadParameter("csr proof-of-possession signature invalid")
	}
	return nil
}

// wireCSR is the PEM-adjacent (here: CBOR) encoding of a CSR used when
// it crosses the wire.
type wireCSR struct {
	Body      []byte
	Signature []byte
}

// Marshal encodes the CSR for transmission.
func (c *CSR) Marshal() ([]byte, error) {
	bodyBytes, err := cbor.Marshal(c.body)
	if err != nil {
		return nil, trace.Wrap(err, "marshaling csr body")
	}
	out, err := cbor.Marshal(wireCSR{Body: bodyBytes, Signature: c.signature})
	if err != nil {
		return nil, trace.Wrap(err, "marshaling csr")
	}
	return out, nil
}

// ParseCSR decodes a CSR produced by Marshal, without verifying it.
func ParseCSR(raw []byte) (*CSR, error) {
	var wire wireCSR
	if err := cbor.Unmarshal(raw, &wire); err != nil {
		return nil, trace.BadParameter("decoding csr: %v", err)
	}
	var body csrBody
	if err := cbor.Unmarshal(wire.Body, &body); err != nil {
		return nil, trace.BadParameter("decoding csr body: %v", err)
	}
	return &CSR{body: body, signature: wire.Signature}, nil
}
