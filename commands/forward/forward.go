// Package forward implements the server-mediated tunnel connection:
// "forward" relays a session opened by a client onto a direct
// connection to some other peer (target), splicing the two transports
// byte-for-byte once both sides are ready. The server parses only the
// initial request; everything after that is opaque.
package forward

import (
	"context"
	"io"
	"sync"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/codec"
	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/connection"
	"github.com/svalinhq/svalin/lib/rpc/session"
)

// CommandKey is the command a client opens on its direct connection to
// the server to request a tunnel to some other live connection.
const CommandKey = "forward"

// AcceptCommandKey is the command the server opens on its direct
// connection to the requested target once it has located it.
const AcceptCommandKey = "forward_accept"

// Request is the request object for CommandKey: the fingerprint of
// the live connection the requester wants to be spliced to.
type Request struct {
	TargetFingerprint pki.Fingerprint `cbor:"target_fingerprint"`
}

// AcceptRequest is the request object for AcceptCommandKey, carrying
// the fingerprint of the requester the target is being spliced to.
// AcceptHandler decodes it but neither logs it nor passes it on.
type AcceptRequest struct {
	RequesterFingerprint pki.Fingerprint `cbor:"requester_fingerprint"`
}

// ConnectionLookup resolves a live connection by fingerprint, the
// server's live-connection table. Satisfied by *connection.Registry.
type ConnectionLookup interface {
	Get(fingerprint pki.Fingerprint) (connection.Connection, error)
}

// Handler implements the CommandKey command. It is Takeable: on
// success it detaches both transports and splices them; on failure it
// closes the requester's session itself before returning.
type Handler struct {
	connections ConnectionLookup
}

// NewHandler builds the forward handler over connections, the
// server's live-connection table.
func NewHandler(connections ConnectionLookup) *Handler {
	return &Handler{connections: connections}
}

// RequiredPermission implements command.Handler.
func (h *Handler) RequiredPermission(rawRequest []byte) permission.Permission {
	return permission.AuthenticatedOnly
}

// Handle implements command.Handler.
func (h *Handler) Handle(ctx context.Context, s *session.Session, rawRequest []byte) error {
	var req Request
	if err := codec.DecodeObject(rawRequest, &req); err != nil {
		s.WriteStatus(session.StatusDecodeRequest, err.Error())
		s.Close()
		return trace.Wrap(err, "decoding forward request")
	}

	requesterFingerprint := pki.Fingerprint{}
	if peer := s.Peer(); peer.Certificate != nil {
		requesterFingerprint = peer.Certificate.Fingerprint()
	}

	target, err := h.connections.Get(req.TargetFingerprint)
	if err != nil {
		s.WriteStatus(session.StatusNotFound, err.Error())
		s.Close()
		return trace.Wrap(err, "locating forward target")
	}

	var targetTransport session.Transport
	dispatchErr := command.Dispatch(ctx, target, AcceptCommandKey, AcceptRequest{RequesterFingerprint: requesterFingerprint}, func(ctx context.Context, accepted *session.Session) (bool, error) {
		targetTransport = accepted.Detach()
		return true, nil
	})
	if dispatchErr != nil {
		s.WriteStatus(session.StatusNotFound, dispatchErr.Error())
		s.Close()
		return trace.Wrap(dispatchErr, "opening forward_accept on target")
	}

	if err := s.WriteStatus(session.StatusOK, ""); err != nil {
		targetTransport.Close()
		s.Close()
		return trace.Wrap(err, "acknowledging forward")
	}

	requesterTransport := s.Detach()
	session.Splice(requesterTransport, targetTransport)
	return nil
}

// Takeable implements command.Takeable.
func (h *Handler) Takeable() {}
