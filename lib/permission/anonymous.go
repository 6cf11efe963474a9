package permission

import "github.com/svalinhq/svalin/lib/verify"

// AnonymousHandler admits only anonymous peers, regardless of the
// permission tag requested. Used on bootstrap-only listeners where no
// certificate has been issued yet.
type AnonymousHandler struct{}

// Anonymous builds a Handler that only ever admits anonymous peers.
func Anonymous() AnonymousHandler { return AnonymousHandler{} }

// May implements Handler.
func (AnonymousHandler) May(peer verify.Peer, permission Permission) error {
	if !peer.Anonymous {
		return denied("this endpoint only accepts anonymous peers")
	}
	return nil
}
