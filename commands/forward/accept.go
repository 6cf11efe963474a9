package forward

import (
	"context"

	"github.com/svalinhq/svalin/lib/codec"
	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/rpc/session"
	"github.com/svalinhq/svalin/lib/verify"
)

// NestedAccept is invoked with the detached raw transport once a
// forward_accept request completes. AcceptHandler always passes
// verify.Peer{Anonymous: true} as requester: the requester fingerprint
// carried in AcceptRequest is decoded but not passed on, and the
// requester's identity is established only by the inner TLS upgrade
// (lib/e2e) that normally runs immediately on top of this transport.
// Typically runs a fresh
// command.Accept loop against a nested handler registry gated by its
// own permission handler, per the forwarded-session design.
type NestedAccept func(ctx context.Context, transport session.Transport, requester verify.Peer)

// AcceptHandler implements the AcceptCommandKey command: it is the
// rendezvous point on the target side of a forward. It is Takeable —
// it detaches its own transport and hands it to nested, never
// returning it to the runtime to close.
type AcceptHandler struct {
	nested NestedAccept
}

// NewAcceptHandler builds the forward_accept handler, dispatching each
// accepted transport to nested.
func NewAcceptHandler(nested NestedAccept) *AcceptHandler {
	return &AcceptHandler{nested: nested}
}

// RequiredPermission implements command.Handler. forward_accept is
// only ever opened by the server itself, over the connection it
// already authenticated as the target's own peer (the server's root
// or server certificate), so this allows any authenticated peer and
// relies on the listener only ever being reachable by that connection.
func (h *AcceptHandler) RequiredPermission(rawRequest []byte) permission.Permission {
	return permission.AuthenticatedOnly
}

// Handle implements command.Handler.
func (h *AcceptHandler) Handle(ctx context.Context, s *session.Session, rawRequest []byte) error {
	var req AcceptRequest
	if err := codec.DecodeObject(rawRequest, &req); err != nil {
		s.WriteStatus(session.StatusDecodeRequest, err.Error())
		s.Close()
		return err
	}

	transport := s.Detach()
	h.nested(ctx, transport, verify.Peer{Anonymous: true})
	return nil
}

// Takeable implements command.Takeable.
func (h *AcceptHandler) Takeable() {}
