// Package agent assembles the command registry an agent runs, mirroring
// lib/server's role on the other side of the wire: it owns the nested
// registry of tunnel/status commands an operator reaches over a
// forwarded end-to-end session, and the forward_accept handler that
// performs the end-to-end TLS upgrade and hands the upgraded session
// off to that nested registry.
package agent

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/svalinhq/svalin/commands/forward"
	"github.com/svalinhq/svalin/commands/realtimestatus"
	"github.com/svalinhq/svalin/commands/tunnel"
	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/connection"
)

// Agent is one managed device's runtime: the identity it presents
// end-to-end, the deployment root it trusts operators against, and the
// two registries that together serve every command an operator can
// reach it with. One Agent is built once per process and driven by
// Serve over the Direct connection it maintains to the server.
type Agent struct {
	credential        *pki.Credential
	root              *pki.Certificate
	serverFingerprint pki.Fingerprint

	nested *command.Registry
	top    *command.Registry
}

// New builds an Agent presenting credential end-to-end, trusting
// operators signed by root, accepting forward_accept only from the
// connection whose peer fingerprint is serverFingerprint (the
// deployment server's own certificate), and serving interactive
// commands through backend and status frames through statusSource.
func New(credential *pki.Credential, root *pki.Certificate, serverFingerprint pki.Fingerprint, backend tunnel.Backend, statusSource realtimestatus.Source) *Agent {
	nested := command.NewRegistry()
	nested.Register(tunnel.RemoteTerminalCommandKey, tunnel.NewHandler(tunnel.RemoteTerminalCommandKey, backend))
	nested.Register(tunnel.TCPForwardCommandKey, tunnel.NewHandler(tunnel.TCPForwardCommandKey, backend))
	nested.Register(realtimestatus.CommandKey, realtimestatus.NewHandler(statusSource))

	a := &Agent{
		credential:        credential,
		root:              root,
		serverFingerprint: serverFingerprint,
		nested:            nested,
		top:               command.NewRegistry(),
	}
	a.top.Register(forward.AcceptCommandKey, newForwardAcceptHandler(credential, root, nested))
	return a
}

// Registry returns the top-level registry Serve dispatches against,
// exported for tests that want to drive command.Accept directly over a
// net.Pipe-backed session without a real connection.Direct.
func (a *Agent) Registry() *command.Registry { return a.top }

// Serve runs the accept loop over conn, the agent's own Direct
// connection to the server, for the life of ctx. Every inbound session
// is dispatched against the top-level registry under a permission
// policy admitting only the server's own fingerprint: forward_accept
// is the only command this registry holds, and the only legitimate
// caller of it is the server relaying an operator's request.
func (a *Agent) Serve(ctx context.Context, conn connection.Connection) error {
	perm := permission.Whitelist(a.serverFingerprint)
	for {
		s, err := conn.AcceptSession(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			if err := command.Accept(ctx, a.top, perm, s); err != nil {
				log.WithError(err).Debug("forwarded session ended")
			}
		}()
	}
}
