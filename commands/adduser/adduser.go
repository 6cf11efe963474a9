// Package adduser implements the bootstrap command that registers a
// new human operator against a freshly initialized server.
package adduser

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/codec"
	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/session"
	"github.com/svalinhq/svalin/lib/store"
)

// CommandKey is the wire command key for add_user.
const CommandKey = "add_user"

// Request carries everything the server needs to persist a new user
// record: the certificate the client minted for itself, the
// password-encrypted credential blob, the server-side double-hash
// material, and a TOTP secret for second-factor login.
type Request struct {
	Username            string           `cbor:"username"`
	Certificate         []byte           `cbor:"certificate"`
	EncryptedCredential []byte           `cbor:"encrypted_credential"`
	ClientHashParams    pki.Argon2Params `cbor:"client_hash_params"`
	PasswordDoubleHash  pki.DoubleHash   `cbor:"password_double_hash"`
	TOTPSecret          string           `cbor:"totp_secret"`
}

// Store is the subset of store.UserStore the handler needs.
type Store interface {
	Put(user store.StoredUser) error
}

// Handler implements command.Handler for add_user.
type Handler struct {
	users Store
}

// NewHandler builds an add_user handler backed by users.
func NewHandler(users Store) *Handler {
	return &Handler{users: users}
}

// RequiredPermission implements command.Handler: only the root
// certificate holder may enroll new users.
func (*Handler) RequiredPermission([]byte) permission.Permission {
	return permission.RootOnly
}

// Handle implements command.Handler.
func (h *Handler) Handle(_ context.Context, s *session.Session, rawRequest []byte) error {
	var req Request
	if err := codec.DecodeObject(rawRequest, &req); err != nil {
		s.WriteStatus(session.StatusDecodeRequest, err.Error())
		return trace.Wrap(err, "decoding add_user request")
	}

	cert, err := pki.ParseCertificate(req.Certificate)
	if err != nil {
		s.WriteStatus(session.StatusDecodeRequest, err.Error())
		return trace.Wrap(err, "parsing user certificate")
	}
	if cert.Type() != pki.CertTypeUser {
		s.WriteStatus(session.StatusDecodeRequest, "certificate is not a user certificate")
		return trace.BadParameter("add_user certificate has type %s, want user", cert.Type())
	}

	blob, err := pki.ParseEncryptedBlob(req.EncryptedCredential)
	if err != nil {
		s.WriteStatus(session.StatusDecodeRequest, err.Error())
		return trace.Wrap(err, "parsing encrypted credential blob")
	}

	record := store.StoredUser{
		Certificate:         cert,
		Username:            req.Username,
		EncryptedCredential: blob,
		ClientHashParams:    req.ClientHashParams,
		PasswordDoubleHash:  req.PasswordDoubleHash,
		TOTPSecret:          req.TOTPSecret,
	}

	if err := h.users.Put(record); err != nil {
		s.WriteStatus(session.StatusDecodeRequest, err.Error())
		return trace.Wrap(err, "storing new user")
	}

	return trace.Wrap(s.WriteStatus(session.StatusOK, ""))
}

// Dispatch registers a new user over an already-authenticated (root)
// session.
func Dispatch(ctx context.Context, opener command.SessionOpener, req Request) error {
	return command.Dispatch(ctx, opener, CommandKey, req, func(_ context.Context, s *session.Session) (bool, error) {
		status, err := s.ReadStatus()
		if err != nil {
			return false, trace.Wrap(err, "reading add_user status")
		}
		if status.Code != session.StatusOK {
			return false, trace.Errorf("add_user rejected: %s: %s", status.Code, status.Message)
		}
		return false, nil
	})
}
