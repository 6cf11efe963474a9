// Package firstinit implements the bootstrap handshake that provisions
// a brand new deployment's root of trust: the client mints an
// ephemeral self-signed root certificate and hands it to the server,
// the server proves possession of a fresh keypair via CSR, and the
// client signs that CSR into the server's own long-lived identity.
package firstinit

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/svalinhq/svalin/lib/codec"
	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/session"
)

// CommandKey is the wire command key for first_init.
const CommandKey = "first_init"

// DefaultValidity is how long the root and server certificates minted
// during first-init are valid for.
const DefaultValidity = 10 * 365 * 24 * time.Hour

// Request carries the client's freshly generated, self-signed root
// certificate.
type Request struct {
	RootCertificate []byte `cbor:"root_certificate"`
}

// CSRMessage carries the server's CSR for its own identity.
type CSRMessage struct {
	CSR []byte `cbor:"csr"`
}

// CertificateMessage carries the signed server certificate the client
// returns.
type CertificateMessage struct {
	ServerCertificate []byte `cbor:"server_certificate"`
}

// Store persists the deployment's root of trust and the server's own
// credential exactly once, and reports whether first-init has already
// run (so a second attempt is rejected outright).
type Store interface {
	Initialized() bool
	StoreRootOfTrust(root *pki.Certificate, server *pki.Credential) error
}

// Handler implements command.Handler for first_init.
type Handler struct {
	store Store
	clock clockwork.Clock
}

// NewHandler builds a first_init handler backed by store.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, clock: clockwork.NewRealClock()}
}

// WithClock overrides the clock used to mint certificate validity
// windows, for deterministic tests.
func (h *Handler) WithClock(clock clockwork.Clock) *Handler {
	h.clock = clock
	return h
}

// RequiredPermission implements command.Handler: first-init must be
// reachable by a completely anonymous client, since no credential
// exists yet for a brand new deployment.
func (*Handler) RequiredPermission([]byte) permission.Permission {
	return permission.AnonymousOnly
}

// Handle implements command.Handler.
func (h *Handler) Handle(_ context.Context, s *session.Session, rawRequest []byte) error {
	if h.store.Initialized() {
		s.WriteStatus(session.StatusDecodeRequest, "deployment is already initialized")
		return trace.AlreadyExists("first-init already completed")
	}

	var req Request
	if err := codec.DecodeObject(rawRequest, &req); err != nil {
		s.WriteStatus(session.StatusDecodeRequest, err.Error())
		return trace.Wrap(err, "decoding first_init request")
	}

	root, err := pki.ParseCertificate(req.RootCertificate)
	if err != nil {
		s.WriteStatus(session.StatusDecodeRequest, err.Error())
		return trace.Wrap(err, "parsing client-supplied root certificate")
	}
	if root.Type() != pki.CertTypeRoot || !root.IsSelfSigned() {
		s.WriteStatus(session.StatusDecodeRequest, "supplied certificate is not a self-signed root")
		return trace.BadParameter("first_init root certificate is not self-signed root type")
	}

	if err := s.WriteStatus(session.StatusOK, ""); err != nil {
		return trace.Wrap(err, "writing first_init status")
	}

	serverKeys, err := pki.GenerateKeyPair()
	if err != nil {
		return trace.Wrap(err, "generating server keypair")
	}
	csr, err := pki.NewCSR(serverKeys, pki.CertTypeServer)
	if err != nil {
		return trace.Wrap(err, "building server csr")
	}
	csrBytes, err := csr.Marshal()
	if err != nil {
		return trace.Wrap(err, "marshaling server csr")
	}
	if err := s.WriteObject(CSRMessage{CSR: csrBytes}); err != nil {
		return trace.Wrap(err, "writing server csr")
	}

	var certMsg CertificateMessage
	if err := s.ReadObject(&certMsg); err != nil {
		return trace.Wrap(err, "reading signed server certificate")
	}
	serverCert, err := pki.ParseCertificate(certMsg.ServerCertificate)
	if err != nil {
		return trace.Wrap(err, "parsing signed server certificate")
	}
	if err := serverCert.VerifySignature(root.PublicKey()); err != nil {
		return trace.Wrap(err, "server certificate is not signed by the supplied root")
	}
	if !serverKeys.Public.Equal(serverCert.PublicKey()) {
		return trace.BadParameter("signed server certificate does not match the requested keypair")
	}

	serverCredential, err := pki.NewCredential(serverCert, serverKeys)
	if err != nil {
		return trace.Wrap(err, "pairing server certificate with its keypair")
	}

	if err := h.store.StoreRootOfTrust(root, serverCredential); err != nil {
		return trace.Wrap(err, "persisting root of trust")
	}
	return nil
}

// Dispatch runs the client side of first-init: it signs its own
// ephemeral root certificate, hands it to the server, signs back the
// server's CSR, and returns the root certificate so the caller can
// persist it locally.
func Dispatch(ctx context.Context, opener command.SessionOpener, rootKeys *pki.KeyPair) (*pki.Certificate, error) {
	now := time.Now()
	root, err := pki.BuildRootCertificate(rootKeys, now.Add(-time.Minute), now.Add(DefaultValidity))
	if err != nil {
		return nil, trace.Wrap(err, "building ephemeral root certificate")
	}
	rootCredential, err := pki.NewCredential(root, rootKeys)
	if err != nil {
		return nil, trace.Wrap(err, "pairing ephemeral root certificate")
	}

	err = command.Dispatch(ctx, opener, CommandKey, Request{RootCertificate: root.Raw()}, func(_ context.Context, s *session.Session) (bool, error) {
		status, err := s.ReadStatus()
		if err != nil {
			return false, trace.Wrap(err, "reading first_init status")
		}
		if status.Code != session.StatusOK {
			return false, trace.Errorf("first_init rejected: %s: %s", status.Code, status.Message)
		}

		var csrMsg CSRMessage
		if err := s.ReadObject(&csrMsg); err != nil {
			return false, trace.Wrap(err, "reading server csr")
		}
		csr, err := pki.ParseCSR(csrMsg.CSR)
		if err != nil {
			return false, trace.Wrap(err, "parsing server csr")
		}
		serverCert, err := pki.SignCSR(csr, rootCredential, now.Add(-time.Minute), now.Add(DefaultValidity))
		if err != nil {
			return false, trace.Wrap(err, "signing server certificate")
		}
		if err := s.WriteObject(CertificateMessage{ServerCertificate: serverCert.Raw()}); err != nil {
			return false, trace.Wrap(err, "writing signed server certificate")
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return root, nil
}
