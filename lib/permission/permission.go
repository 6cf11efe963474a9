// Package permission implements svalin's dispatch-time permission
// check: binding a TLS-authenticated peer identity to the permission
// tag a command handler carries.
package permission

import (
	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/verify"
)

// Permission is the policy tag a command handler is registered under.
// The registry, not the handler body, is what decides who may invoke
// it: dispatch derives a Permission from the handler type (and
// sometimes the decoded request) before ever running handler code.
type Permission int

const (
	// RootOnly admits only the deployment's root certificate holder.
	RootOnly Permission = iota
	// AuthenticatedOnly admits any non-anonymous peer, root included.
	AuthenticatedOnly
	// AnonymousOnly admits only peers with no certificate at all.
	AnonymousOnly
	// ViewPublic admits everyone: root, authenticated, and anonymous.
	ViewPublic
	// AgentOnly admits only peers whose certificate type is agent.
	AgentOnly
)

func (p Permission) String() string {
	switch p {
	case RootOnly:
		return "root_only"
	case AuthenticatedOnly:
		return "authenticated_only"
	case AnonymousOnly:
		return "anonymous_only"
	case ViewPublic:
		return "view_public"
	case AgentOnly:
		return "agent_only"
	default:
		return "unknown"
	}
}

// Handler decides whether peer may invoke a command tagged with
// permission. It never inspects the request body; derivation of
// Permission from the request (where a command needs that) happens at
// the call site, before Handler is consulted.
type Handler interface {
	May(peer verify.Peer, permission Permission) error
}

// isRoot reports whether peer authenticated with the given root
// certificate's own fingerprint.
func isRoot(peer verify.Peer, root *pki.Certificate) bool {
	return !peer.Anonymous && peer.Certificate != nil && peer.Certificate.Fingerprint() == root.Fingerprint()
}

// denied builds the PermissionDenied-shaped error every Handler
// returns on refusal.
func denied(format string, args ...interface{}) error {
	return trace.AccessDenied(format, args...)
}
