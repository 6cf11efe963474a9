package joinagent

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/codec"
	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/session"
)

// JoinRequestCommandKey is the command an agent opens to park its
// connection under a join code it generated itself.
const JoinRequestCommandKey = "join_request"

// JoinRequest carries the join code the agent picked.
type JoinRequest struct {
	Code string `cbor:"code"`
}

// JoinRequestHandler implements join_request. It is Takeable: once the
// code is registered, Handle blocks holding the detached transport
// until accept_join claims it, the code's TTL expires, or the agent's
// own context ends.
type JoinRequestHandler struct {
	registry *Registry
}

// NewJoinRequestHandler builds a join_request handler over registry.
func NewJoinRequestHandler(registry *Registry) *JoinRequestHandler {
	return &JoinRequestHandler{registry: registry}
}

// RequiredPermission implements command.Handler: an agent presents no
// certificate at join time, it has none yet.
func (*JoinRequestHandler) RequiredPermission([]byte) permission.Permission {
	return permission.AnonymousOnly
}

// Handle implements command.Handler.
func (h *JoinRequestHandler) Handle(ctx context.Context, s *session.Session, rawRequest []byte) error {
	var req JoinRequest
	if err := codec.DecodeObject(rawRequest, &req); err != nil {
		s.WriteStatus(session.StatusDecodeRequest, err.Error())
		s.Close()
		return trace.Wrap(err, "decoding join_request")
	}

	transport := s.Detach()
	e, err := h.registry.Put(req.Code, transport)
	if err != nil {
		transport.Close()
		return trace.Wrap(err, "registering join code")
	}

	select {
	case <-e.claimed:
		return nil
	case <-e.expired:
		transport.Close()
		return trace.LimitExceeded("join code %q expired before being claimed", req.Code)
	case <-ctx.Done():
		h.registry.Take(req.Code)
		transport.Close()
		return trace.Wrap(ctx.Err(), "join_request cancelled")
	}
}

// Takeable implements command.Takeable.
func (*JoinRequestHandler) Takeable() {}

// dispatchJoinRequest runs the agent side of join_request: on success
// it returns the agent's own raw transport, left for the caller to run
// the post-splice handshake over.
func dispatchJoinRequest(ctx context.Context, opener command.SessionOpener, code string) (session.Transport, error) {
	var transport session.Transport
	err := command.Dispatch(ctx, opener, JoinRequestCommandKey, JoinRequest{Code: code}, func(_ context.Context, s *session.Session) (bool, error) {
		transport = s.Detach()
		return true, nil
	})
	if err != nil {
		return nil, trace.Wrap(err, "dispatching join_request")
	}
	return transport, nil
}
