// Package login implements the pre-authentication step a client runs
// to retrieve the Argon2 parameters and encrypted credential blob for
// a username, so it can derive the decryption key locally before
// reconnecting with the resulting client certificate.
package login

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/codec"
	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/session"
)

// CommandKey is the wire command key for login.
const CommandKey = "login"

// Request names the user attempting to log in.
type Request struct {
	Username string `cbor:"username"`
}

// Response carries what the client needs to derive its decryption key
// and recover its credential locally; the server never sees the
// password or the decrypted private key.
type Response struct {
	ClientHashParams    pki.Argon2Params `cbor:"client_hash_params"`
	EncryptedCredential []byte           `cbor:"encrypted_credential"`
}

// UserLookup resolves a username to the record login needs.
type UserLookup interface {
	ClientHashParams(username string) (pki.Argon2Params, error)
	EncryptedCredential(username string) ([]byte, error)
}

// Handler implements command.Handler for login.
type Handler struct {
	users UserLookup
}

// NewHandler builds a login handler backed by users.
func NewHandler(users UserLookup) *Handler {
	return &Handler{users: users}
}

// RequiredPermission implements command.Handler: login is the first
// thing an operator does with a fresh client, before it holds any
// certificate, so it must be reachable anonymously.
func (*Handler) RequiredPermission([]byte) permission.Permission {
	return permission.ViewPublic
}

// Handle implements command.Handler.
func (h *Handler) Handle(_ context.Context, s *session.Session, rawRequest []byte) error {
	var req Request
	if err := codec.DecodeObject(rawRequest, &req); err != nil {
		s.WriteStatus(session.StatusDecodeRequest, err.Error())
		return trace.Wrap(err, "decoding login request")
	}

	params, err := h.users.ClientHashParams(req.Username)
	if err != nil {
		s.WriteStatus(session.StatusDecodeRequest, err.Error())
		return trace.Wrap(err, "looking up client hash params")
	}
	blob, err := h.users.EncryptedCredential(req.Username)
	if err != nil {
		s.WriteStatus(session.StatusDecodeRequest, err.Error())
		return trace.Wrap(err, "looking up encrypted credential")
	}

	if err := s.WriteStatus(session.StatusOK, ""); err != nil {
		return trace.Wrap(err, "writing login status")
	}
	return trace.Wrap(s.WriteObject(Response{ClientHashParams: params, EncryptedCredential: blob}))
}

// Dispatch queries the server for username's login material.
func Dispatch(ctx context.Context, opener command.SessionOpener, username string) (*Response, error) {
	var resp Response
	err := command.Dispatch(ctx, opener, CommandKey, Request{Username: username}, func(_ context.Context, s *session.Session) (bool, error) {
		status, err := s.ReadStatus()
		if err != nil {
			return false, trace.Wrap(err, "reading login status")
		}
		if status.Code != session.StatusOK {
			return false, trace.Errorf("login rejected: %s: %s", status.Code, status.Message)
		}
		return false, trace.Wrap(s.ReadObject(&resp), "reading login response")
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
