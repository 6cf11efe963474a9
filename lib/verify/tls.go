package verify

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/svalinhq/svalin/lib/pki"
)

// Peer is the identity a connection authenticates as, once the TLS
// handshake has produced a certificate (or none, for anonymous
// bootstrap endpoints).
type Peer struct {
	Anonymous   bool
	Certificate *pki.Certificate
}

// TLSConfig adapts inner to a crypto/tls VerifyPeerCertificate hook.
// svalin certificates are ordinary X.509 so the handshake's own
// certificate parsing succeeds, but Go's name-based chain builder plays
// no part in trust: InsecureSkipVerify is always set and this hook does
// all real verification by SPKI-hash fingerprint, matching the
// teacher's TLS-listener wrapping pattern in lib/multiplexer.
type TLSConfig struct {
	inner Verifier
	clock clockwork.Clock
}

// NewTLSConfig builds a TLS integration over inner.
func NewTLSConfig(inner Verifier) *TLSConfig {
	return &TLSConfig{inner: inner, clock: clockwork.NewRealClock()}
}

// WithClock overrides the clock used to evaluate certificate validity,
// for deterministic tests.
func (t *TLSConfig) WithClock(clock clockwork.Clock) *TLSConfig {
	t.clock = clock
	return t
}

// VerifyPeerCertificate implements the crypto/tls verification hook
// signature. It ignores the verifiedChains argument (svalin does not
// use Go's X.509 chain builder) and instead parses the raw certificate
// bytes delivered in the handshake as a svalin certificate.
func (t *TLSConfig) VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return trace.AccessDenied("no certificate presented")
	}

	cert, err := pki.ParseCertificate(rawCerts[0])
	if err != nil {
		return trace.Wrap(err, "parsing presented certificate")
	}

	trusted, err := t.inner.VerifyFingerprint(cert.Fingerprint(), t.clock.Now())
	if err != nil {
		return trace.Wrap(err, "verifying presented certificate")
	}

	// The concrete Verifier already proved trusted's whole chain of
	// custody (Exact/OneOf/composed store lookup return the
	// authoritative stored copy; Upstream/Remote verify the signature
	// against their own root before returning it). All that remains is
	// confirming the peer didn't present different certificate bytes
	// that merely hash to the same fingerprint.
	if !bytesEqual(trusted.Raw(), cert.Raw()) {
		return trace.BadParameter("presented certificate does not match trusted certificate for this fingerprint")
	}

	return nil
}

func bytesEqual(a, b []byte) bool {
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

// MandatoryClientAuth builds a *tls.Config requiring the peer to
// present a certificate, verified through verifier.
func MandatoryClientAuth(credential *pki.Credential, verifier Verifier) (*tls.Config, error) {
	return buildConfig(credential, verifier, tls.RequireAnyClientCert)
}

// OptionalClientAuth builds a *tls.Config that requests but does not
// require a client certificate, so the same listener can serve
// anonymous bootstrap endpoints and authenticated ones. Callers must
// still check the resulting Peer for Anonymous before trusting it.
func OptionalClientAuth(credential *pki.Credential, verifier Verifier) (*tls.Config, error) {
	return buildConfig(credential, verifier, tls.RequestClientCert)
}

func buildConfig(credential *pki.Credential, verifier Verifier, clientAuth tls.ClientAuthType) (*tls.Config, error) {
	leaf := tls.Certificate{
		Certificate: [][]byte{credential.Certificate.Raw()},
		PrivateKey:  credential.Keys.Signer(),
	}

	adapter := NewTLSConfig(verifier)

	return &tls.Config{
		Certificates:          []tls.Certificate{leaf},
		ClientAuth:            clientAuth,
		InsecureSkipVerify:    true, // we perform our own verification below
		VerifyPeerCertificate: adapter.VerifyPeerCertificate,
		MinVersion:            tls.VersionTLS13,
		NextProtos:            []string{"svalin/1"},
	}, nil
}

// PeerFromConnectionState derives a Peer from a completed TLS
// handshake, taking the first certificate in the chain as the svalin
// certificate (issuer certs are well-known to the peer out of band and
// never sent).
func PeerFromConnectionState(state tls.ConnectionState) (Peer, error) {
	if len(state.PeerCertificates) == 0 {
		return Peer{Anonymous: true}, nil
	}
	cert, err := pki.ParseCertificate(state.PeerCertificates[0].Raw)
	if err != nil {
		return Peer{}, trace.Wrap(err, "parsing peer certificate from TLS state")
	}
	return Peer{Certificate: cert}, nil
}
