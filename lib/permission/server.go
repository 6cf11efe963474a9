package permission

import (
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/verify"
)

// ServerHandler is the composite policy the server itself runs: one
// matrix covering every permission tag against every peer class the
// server can see (root, authenticated non-root, anonymous). This is
// the handler the dispatch loop actually consults; the narrower
// Anonymous/Root/Whitelist handlers above exist for special-purpose
// listeners (join rendezvous, forwarded tunnels) that never see the
// full matrix.
type ServerHandler struct {
	root *pki.Certificate
}

// Server builds the composite Handler for root's deployment.
func Server(root *pki.Certificate) ServerHandler {
	return ServerHandler{root: root}
}

// May implements Handler. Semantics:
//
//   - Root peer: ok for everything except AnonymousOnly, which is
//     denied loudly — a root peer hitting an anonymous-only endpoint
//     means something upstream misrouted, not a policy decision.
//   - Authenticated non-root: ok for ViewPublic and AuthenticatedOnly;
//     ok for AgentOnly iff the peer's certificate type is agent;
//     denied for RootOnly and AnonymousOnly.
//   - Anonymous: ok for ViewPublic and AnonymousOnly; denied otherwise.
func (h ServerHandler) May(peer verify.Peer, permission Permission) error {
	switch {
	case isRoot(peer, h.root):
		if permission == AnonymousOnly {
			return denied("root peer must never hit an anonymous-only endpoint")
		}
		return nil

	case !peer.Anonymous:
		switch permission {
		case ViewPublic, AuthenticatedOnly:
			return nil
		case AgentOnly:
			if peer.Certificate != nil && peer.Certificate.Type() == pki.CertTypeAgent {
				return nil
			}
			return denied("endpoint requires an agent certificate")
		default:
			return denied("authenticated peer may not invoke %s", permission)
		}

	default:
		switch permission {
		case ViewPublic, AnonymousOnly:
			return nil
		default:
			return denied("anonymous peer may not invoke %s", permission)
		}
	}
}
