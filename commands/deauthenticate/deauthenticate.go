// Package deauthenticate implements the deauthenticate command: a
// client that wants to drop its certificate-based identity without
// tearing down the underlying connection rebuilds its session as
// Anonymous over the same transport and issues exactly one more
// command on it (typically login, to establish a different identity).
package deauthenticate

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/session"
	"github.com/svalinhq/svalin/lib/verify"
)

// CommandKey identifies the deauthenticate command.
const CommandKey = "deauthenticate"

// Handler implements deauthenticate. It is Takeable: rather than
// handing one reply back to the runtime to close, it acknowledges the
// request, rebuilds a fresh Anonymous session around the same
// transport, and dispatches the one command the peer sends next into
// registry, gated by permissionFunc rather than the identity this
// stream was opened under. Exactly one nested command runs per
// deauthenticate — a client that wants to issue more than one
// downgraded request opens a fresh stream (and, typically, the first
// such request is login, re-establishing a real identity).
type Handler struct {
	registry       *command.Registry
	permissionFunc permission.Handler
}

// NewHandler builds a deauthenticate handler that dispatches the
// command immediately following it into registry under permissionFunc.
func NewHandler(registry *command.Registry, permissionFunc permission.Handler) *Handler {
	return &Handler{registry: registry, permissionFunc: permissionFunc}
}

// RequiredPermission implements command.Handler: only an already
// authenticated peer has an identity worth dropping.
func (*Handler) RequiredPermission([]byte) permission.Permission {
	return permission.AuthenticatedOnly
}

// Handle implements command.Handler.
func (h *Handler) Handle(ctx context.Context, s *session.Session, _ []byte) error {
	if err := s.WriteStatus(session.StatusOK, ""); err != nil {
		s.Close()
		return trace.Wrap(err, "acknowledging deauthenticate")
	}

	anon := s.Rebuild(verify.Peer{Anonymous: true})
	return command.Accept(ctx, h.registry, h.permissionFunc, anon)
}

// Takeable implements command.Takeable.
func (*Handler) Takeable() {}

// Dispatch runs the client side of deauthenticate: it reads the
// acknowledging status and, on success, reports the raw transport for
// the caller to issue one anonymous command over (typically login, to
// re-authenticate as someone else); the server runs only that one
// command on it.
func Dispatch(ctx context.Context, opener command.SessionOpener) (session.Transport, error) {
	var transport session.Transport
	err := command.Dispatch(ctx, opener, CommandKey, struct{}{}, func(_ context.Context, s *session.Session) (bool, error) {
		status, err := s.ReadStatus()
		if err != nil {
			return false, trace.Wrap(err, "reading deauthenticate status")
		}
		if status.Code != session.StatusOK {
			return false, trace.Errorf("deauthenticate rejected: %s: %s", status.Code, status.Message)
		}
		transport = s.Detach()
		return true, nil
	})
	if err != nil {
		return nil, trace.Wrap(err, "dispatching deauthenticate")
	}
	return transport, nil
}
