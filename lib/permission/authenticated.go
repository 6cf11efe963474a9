package permission

import "github.com/svalinhq/svalin/lib/verify"

// AuthenticatedHandler admits any non-anonymous peer, regardless of
// the permission tag requested. Used for the nested registry an agent
// runs over an end-to-end upgraded session: by the time that session
// exists the peer has already proven it holds a certificate signed by
// the deployment root (lib/e2e.UpgradeAgent's handshake verifies this
// directly), and the agent has no narrower notion of "operator" to
// check against.
type AuthenticatedHandler struct{}

// Authenticated builds a Handler that admits any peer that is not
// anonymous.
func Authenticated() AuthenticatedHandler { return AuthenticatedHandler{} }

// May implements Handler.
func (AuthenticatedHandler) May(peer verify.Peer, permission Permission) error {
	if peer.Anonymous || peer.Certificate == nil {
		return denied("this endpoint requires an authenticated peer")
	}
	return nil
}
