package joinagent

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/codec"
	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/session"
)

// AcceptJoinCommandKey is the command an authenticated operator opens
// to claim a join code and be spliced to the waiting agent connection.
const AcceptJoinCommandKey = "accept_join"

// AcceptJoinRequest names the join code the operator read off the
// agent's display.
type AcceptJoinRequest struct {
	Code string `cbor:"code"`
}

// AcceptJoinHandler implements accept_join: it is Takeable, splicing
// the operator's transport to the agent's parked one on success.
type AcceptJoinHandler struct {
	registry *Registry
}

// NewAcceptJoinHandler builds an accept_join handler over registry.
func NewAcceptJoinHandler(registry *Registry) *AcceptJoinHandler {
	return &AcceptJoinHandler{registry: registry}
}

// RequiredPermission implements command.Handler: only an authenticated
// operator may claim a join code.
func (*AcceptJoinHandler) RequiredPermission([]byte) permission.Permission {
	return permission.AuthenticatedOnly
}

// Handle implements command.Handler.
func (h *AcceptJoinHandler) Handle(_ context.Context, s *session.Session, rawRequest []byte) error {
	var req AcceptJoinRequest
	if err := codec.DecodeObject(rawRequest, &req); err != nil {
		s.WriteStatus(session.StatusDecodeRequest, err.Error())
		s.Close()
		return trace.Wrap(err, "decoding accept_join request")
	}

	e, ok := h.registry.Take(req.Code)
	if !ok {
		s.WriteStatus(session.StatusNotFound, "unknown or already-claimed join code")
		s.Close()
		return trace.NotFound("no join code %q waiting", req.Code)
	}

	if err := s.WriteStatus(session.StatusOK, ""); err != nil {
		e.transport.Close()
		s.Close()
		return trace.Wrap(err, "acknowledging accept_join")
	}

	operatorTransport := s.Detach()
	session.Splice(operatorTransport, e.transport)
	return nil
}

// Takeable implements command.Takeable.
func (*AcceptJoinHandler) Takeable() {}

// dispatchAcceptJoin runs the operator side of accept_join: on success
// it returns the operator's own raw transport, spliced opaquely to the
// waiting agent's, for the caller to run the post-splice handshake
// over.
func dispatchAcceptJoin(ctx context.Context, opener command.SessionOpener, code string) (session.Transport, error) {
	var transport session.Transport
	err := command.Dispatch(ctx, opener, AcceptJoinCommandKey, AcceptJoinRequest{Code: code}, func(_ context.Context, s *session.Session) (bool, error) {
		status, err := s.ReadStatus()
		if err != nil {
			return false, trace.Wrap(err, "reading accept_join status")
		}
		if status.Code != session.StatusOK {
			return false, trace.Errorf("accept_join rejected: %s: %s", status.Code, status.Message)
		}
		transport = s.Detach()
		return true, nil
	})
	if err != nil {
		return nil, trace.Wrap(err, "dispatching accept_join")
	}
	return transport, nil
}
