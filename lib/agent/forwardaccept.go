package agent

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/e2e"
	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/session"
)

// forwardAcceptHandler implements forward.AcceptCommandKey: it runs the
// agent half of lib/e2e's TLS upgrade over the session the server just
// relayed from an operator, then serves exactly one command against
// the nested registry over the resulting end-to-end session. Exactly
// one session results per upgrade (lib/e2e.UpgradeAgent returns a
// single Created session, not a multiplexable connection), so one
// command.Accept call is all this handler ever needs to run.
type forwardAcceptHandler struct {
	credential *pki.Credential
	root       *pki.Certificate
	nested     *command.Registry
}

// newForwardAcceptHandler builds the forward_accept handler, serving
// nested once the end-to-end upgrade completes.
func newForwardAcceptHandler(credential *pki.Credential, root *pki.Certificate, nested *command.Registry) *forwardAcceptHandler {
	return &forwardAcceptHandler{credential: credential, root: root, nested: nested}
}

// RequiredPermission implements command.Handler. The registry-level
// whitelist already restricts callers to the server's own fingerprint;
// this tag only needs to clear that check, not add a narrower one.
func (*forwardAcceptHandler) RequiredPermission([]byte) permission.Permission {
	return permission.AuthenticatedOnly
}

// Handle implements command.Handler. There is no status for the
// dispatching side to read: commands/forward detaches its own opened
// session the moment the envelope write succeeds, so this handler
// writes nothing back before upgrading.
func (h *forwardAcceptHandler) Handle(ctx context.Context, s *session.Session, _ []byte) error {
	upgraded, err := e2e.UpgradeAgent(ctx, s, h.credential, h.root)
	if err != nil {
		return trace.Wrap(err, "upgrading forwarded session to end-to-end tls")
	}
	return trace.Wrap(command.Accept(ctx, h.nested, permission.Authenticated(), upgraded), "serving end-to-end session")
}

// Takeable implements command.Takeable: Handle has already consumed
// s via e2e.UpgradeAgent's internal Detach, so the generic accept loop
// must not also try to close it.
func (*forwardAcceptHandler) Takeable() {}
