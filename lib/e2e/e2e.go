// Package e2e implements the TLS upgrade run on top of a server-forwarded
// session (lib/rpc/connection.Forward) so that two peers can exchange
// end-to-end encrypted traffic the server never sees the keys for.
package e2e

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/defaults"
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/rpc/session"
	"github.com/svalinhq/svalin/lib/verify"
)

// UpgradeClient runs the client half of the end-to-end TLS handshake
// over a forwarded session's raw transport: the client authenticates
// as credential and verifies the peer is exactly agentLeaf, chained to
// root (the agent's certificate is already known from the agent list,
// so no fingerprint is discovered during the handshake). It returns a
// brand new, Created session over the upgraded transport — the
// forwarded session passed in is consumed and left unusable.
func UpgradeClient(ctx context.Context, s *session.Session, credential *pki.Credential, root, agentLeaf *pki.Certificate) (*session.Session, error) {
	cfg := clientConfig(credential, root, agentLeaf)
	transport := s.Detach()

	ctx, cancel := context.WithTimeout(ctx, defaults.HandshakeTimeout)
	defer cancel()

	tlsConn := tls.Client(session.AsNetConn(transport), cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, trace.Wrap(err, "end-to-end client TLS handshake")
	}

	peer, err := verify.PeerFromConnectionState(tlsConn.ConnectionState())
	if err != nil {
		return nil, trace.Wrap(err, "deriving peer from end-to-end handshake")
	}
	return session.New(tlsConn, peer), nil
}

// UpgradeAgent runs the agent half: it authenticates as credential and
// accepts any client certificate signed by root, since the agent has
// no prior knowledge of which operator will connect to it. It returns
// a brand new, Created session over the upgraded transport.
func UpgradeAgent(ctx context.Context, s *session.Session, credential *pki.Credential, root *pki.Certificate) (*session.Session, error) {
	cfg := agentConfig(credential, root)
	transport := s.Detach()

	ctx, cancel := context.WithTimeout(ctx, defaults.HandshakeTimeout)
	defer cancel()

	tlsConn := tls.Server(session.AsNetConn(transport), cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, trace.Wrap(err, "end-to-end agent TLS handshake")
	}

	peer, err := verify.PeerFromConnectionState(tlsConn.ConnectionState())
	if err != nil {
		return nil, trace.Wrap(err, "deriving peer from end-to-end handshake")
	}
	return session.New(tlsConn, peer), nil
}

func clientConfig(credential *pki.Credential, root, agentLeaf *pki.Certificate) *tls.Config {
	adapter := verify.NewTLSConfig(verify.Upstream(root, agentLeaf))
	return &tls.Config{
		Certificates:          []tls.Certificate{leafCertificate(credential)},
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: adapter.VerifyPeerCertificate,
		MinVersion:            tls.VersionTLS13,
		NextProtos:            []string{"svalin-e2e/1"},
	}
}

// agentConfig cannot reuse verify.Verifier the way the outer transport
// does: that interface resolves trust by fingerprint against an
// already-known certificate, but the agent has no fingerprint to look
// up in advance for whichever operator connects to it end-to-end — it
// only knows the root that must have signed them. So this verifies the
// presented certificate's signature directly instead of going through
// lib/verify.
func agentConfig(credential *pki.Credential, root *pki.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{leafCertificate(credential)},
		ClientAuth:            tls.RequireAnyClientCert,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyClientSignedByRoot(root),
		MinVersion:            tls.VersionTLS13,
		NextProtos:            []string{"svalin-e2e/1"},
	}
}

func verifyClientSignedByRoot(root *pki.Certificate) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return trace.AccessDenied("no certificate presented")
		}
		cert, err := pki.ParseCertificate(rawCerts[0])
		if err != nil {
			return trace.Wrap(err, "parsing presented certificate")
		}
		if err := cert.CheckValidityAt(time.Now()); err != nil {
			return trace.Wrap(err, "presented certificate is not currently valid")
		}
		if err := root.CheckValidityAt(time.Now()); err != nil {
			return trace.Wrap(err, "root certificate is not currently valid")
		}
		if err := cert.VerifySignature(root.PublicKey()); err != nil {
			return trace.BadParameter("presented certificate is not signed by the deployment root: %v", err)
		}
		return nil
	}
}

func leafCertificate(credential *pki.Credential) tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{credential.Certificate.Raw()},
		PrivateKey:  credential.Keys.Signer(),
	}
}
