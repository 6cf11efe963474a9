package pki

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"math/big"
	"time"

	"github.com/gravitational/trace"
)

// CertType distinguishes the certificate roles in the system.
type CertType uint8

const (
	// CertTypeRoot is a self-signed root of trust for one deployment.
	CertTypeRoot CertType = iota
	// CertTypeUser identifies a human operator.
	CertTypeUser
	// CertTypeAgent identifies a managed device.
	CertTypeAgent
	// CertTypeSession is a short-lived identity minted for one
	// interactive session.
	CertTypeSession
	// CertTypeServer identifies the deployment server's own TLS
	// identity, minted once during first-init.
	CertTypeServer
)

func (t CertType) String() string {
	switch t {
	case CertTypeRoot:
		return "root"
	case CertTypeUser:
		return "user"
	case CertTypeAgent:
		return "agent"
	case CertTypeSession:
		return "session"
	case CertTypeServer:
		return "server"
	default:
		return "unknown"
	}
}

// Certificates are ordinary X.509 (so they travel unmodified through
// crypto/tls, which parses every certificate it receives) carrying two
// svalin-specific extensions: the certificate's type, and the SPKI
// hash the issuer had at signing time. The latter is what makes this
// "X.509-adjacent" rather than plain X.509 — identity in svalin is the
// SPKI hash, not the X.509 Subject name, and verification re-checks
// that hash explicitly rather than trusting Go's name-based chain
// builder.
var (
	oidCertType  = asn1.ObjectIdentifier{1, 3, 9999, 1, 1}
	oidIssuerSPK = asn1.ObjectIdentifier{1, 3, 9999, 1, 2}
)

// Certificate is a parsed view over an X.509 certificate plus its
// svalin extensions.
type Certificate struct {
	x509Cert   *x509.Certificate
	certType   CertType
	issuerSPKI SPKIHash
	raw        []byte
}

// Raw returns the DER-encoded certificate, suitable for storage,
// transmission, or direct use as a tls.Certificate leaf.
func (c *Certificate) Raw() []byte {
	return append([]byte(nil), c.raw...)
}

// SubjectSPKIHash is the SPKI hash of the certificate's own public key.
func (c *Certificate) SubjectSPKIHash() SPKIHash {
	return HashSPKI(c.PublicKey())
}

// IssuerSPKIHash is the SPKI hash the issuer had at signing time.
// Equal to SubjectSPKIHash iff the certificate is self-signed (i.e. a
// root certificate).
func (c *Certificate) IssuerSPKIHash() SPKIHash { return c.issuerSPKI }

// Fingerprint is the stable identity used in every store; identical to
// SubjectSPKIHash in this system.
func (c *Certificate) Fingerprint() Fingerprint { return c.SubjectSPKIHash() }

// Type returns the certificate's role.
func (c *Certificate) Type() CertType { return c.certType }

// NotBefore / NotAfter are the validity window bounds.
func (c *Certificate) NotBefore() time.Time { return c.x509Cert.NotBefore }
func (c *Certificate) NotAfter() time.Time  { return c.x509Cert.NotAfter }

// PublicKey returns the subject's Ed25519 public key.
func (c *Certificate) PublicKey() ed25519.PublicKey {
	pub, _ := c.x509Cert.PublicKey.(ed25519.PublicKey)
	return pub
}

// IsSelfSigned reports whether subject and issuer SPKI hashes match,
// which must be true iff Type() == CertTypeRoot.
func (c *Certificate) IsSelfSigned() bool {
	return c.SubjectSPKIHash() == c.issuerSPKI
}

// BuildCertificate issues a new certificate for subjectPub, signed by
// issuer, valid over [notBefore, notAfter).
func BuildCertificate(subjectPub ed25519.PublicKey, issuer *Credential, certType CertType, notBefore, notAfter time.Time, extensions []byte) (*Certificate, error) {
	if !notBefore.Before(notAfter) {
		return nil, trace.BadParameter("not_before must precede not_after")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, trace.Wrap(err, "generating certificate serial")
	}

	issuerSPKIExt, err := issuerSPKIExtension(issuer.Certificate.SubjectSPKIHash())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	typeExt, err := certTypeExtension(certType)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	template := &x509.Certificate{
		SerialNumber:    serial,
		Subject:         pkix.Name{CommonName: hex.EncodeToString(HashSPKI(subjectPub)[:8])},
		NotBefore:       notBefore,
		NotAfter:        notAfter,
		KeyUsage:        x509.KeyUsageDigitalSignature,
		ExtraExtensions: []pkix.Extension{typeExt, issuerSPKIExt},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, issuer.Certificate.x509Cert, subjectPub, issuer.Keys.signer())
	if err != nil {
		return nil, trace.Wrap(err, "creating certificate")
	}

	return ParseCertificate(der)
}

// BuildRootCertificate is a convenience wrapper that self-signs a new
// root certificate for root's own key.
func BuildRootCertificate(root *KeyPair, notBefore, notAfter time.Time) (*Certificate, error) {
	if !notBefore.Before(notAfter) {
		return nil, trace.BadParameter("not_before must precede not_after")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, trace.Wrap(err, "generating certificate serial")
	}

	issuerSPKIExt, err := issuerSPKIExtension(root.SPKIHash())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	typeExt, err := certTypeExtension(CertTypeRoot)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hex.EncodeToString(root.SPKIHash()[:8])},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		ExtraExtensions:       []pkix.Extension{typeExt, issuerSPKIExt},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, root.Public, root.signer())
	if err != nil {
		return nil, trace.Wrap(err, "creating root certificate")
	}
	return ParseCertificate(der)
}

// ParseCertificate decodes a DER certificate blob produced by
// BuildCertificate / BuildRootCertificate, without verifying its
// signature.
func ParseCertificate(raw []byte) (*Certificate, error) {
	parsed, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, trace.BadParameter("decoding certificate: %v", err)
	}
	if _, ok := parsed.PublicKey.(ed25519.PublicKey); !ok {
		return nil, trace.BadParameter("certificate public key is not ed25519")
	}

	certType, err := extractCertType(parsed)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	issuerSPKI, err := extractIssuerSPKI(parsed)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &Certificate{
		x509Cert:   parsed,
		certType:   certType,
		issuerSPKI: issuerSPKI,
		raw:        append([]byte(nil), raw...),
	}, nil
}

// CheckValidityAt reports whether the certificate's validity window
// contains t: not_before <= t < not_after.
func (c *Certificate) CheckValidityAt(t time.Time) error {
	if t.Before(c.x509Cert.NotBefore) {
		return trace.BadParameter("certificate not yet valid (not_before=%v)", c.NotBefore())
	}
	if !t.Before(c.x509Cert.NotAfter) {
		return trace.BadParameter("certificate expired (not_after=%v)", c.NotAfter())
	}
	return nil
}

// VerifySignature checks that this certificate was signed by issuerPub
// and that the issuer's own SPKI hash matches the certificate's
// recorded issuer SPKI — the extra binding Go's plain x509.CheckSignatureFrom
// does not provide, since svalin identity is keyed by SPKI hash rather
// than X.509 subject name.
func (c *Certificate) VerifySignature(issuerPub ed25519.PublicKey) error {
	if HashSPKI(issuerPub) != c.issuerSPKI {
		return trace.BadParameter("issuer public key does not match certificate's issuer SPKI")
	}
	if !ed25519.Verify(issuerPub, c.x509Cert.RawTBSCertificate, c.x509Cert.Signature) {
		return trace.BadParameter("certificate signature verification failed")
	}
	return nil
}

// SignCSR verifies csr's proof-of-possession signature and, if valid,
// issues a certificate of the requested type for its public key.
func SignCSR(csr *CSR, issuer *Credential, notBefore, notAfter time.Time) (*Certificate, error) {
	if err := csr.Verify(); err != nil {
		return nil, trace.Wrap(err)
	}
	return BuildCertificate(csr.PublicKey(), issuer, csr.RequestedType(), notBefore, notAfter, nil)
}

func certTypeExtension(t CertType) (pkix.Extension, error) {
	encoded, err := asn1.Marshal(int(t))
	if err != nil {
		return pkix.Extension{}, trace.Wrap(err, "encoding certificate type extension")
	}
	return pkix.Extension{Id: oidCertType, Value: encoded}, nil
}

func issuerSPKIExtension(spki SPKIHash) (pkix.Extension, error) {
	encoded, err := asn1.Marshal(spki[:])
	if err != nil {
		return pkix.Extension{}, trace.Wrap(err, "encoding issuer spki extension")
	}
	return pkix.Extension{Id: oidIssuerSPK, Value: encoded}, nil
}

func extractCertType(cert *x509.Certificate) (CertType, error) {
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(oidCertType) {
			continue
		}
		var raw int
		if _, err := asn1.Unmarshal(ext.Value, &raw); err != nil {
			return 0, trace.BadParameter("decoding certificate type extension: %v", err)
		}
		return CertType(raw), nil
	}
	return 0, trace.BadParameter("certificate is missing its svalin type extension")
}

func extractIssuerSPKI(cert *x509.Certificate) (SPKIHash, error) {
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(oidIssuerSPK) {
			continue
		}
		var raw []byte
		if _, err := asn1.Unmarshal(ext.Value, &raw); err != nil {
			return SPKIHash{}, trace.BadParameter("decoding issuer spki extension: %v", err)
		}
		var out SPKIHash
		if len(raw) != len(out) {
			return SPKIHash{}, trace.BadParameter("issuer spki extension has wrong length %d", len(raw))
		}
		copy(out[:], raw)
		return out, nil
	}
	return SPKIHash{}, trace.BadParameter("certificate is missing its svalin issuer-spki extension")
}
