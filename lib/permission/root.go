package permission

import (
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/verify"
)

// RootHandler admits only the deployment's configured root
// certificate holder, regardless of the permission tag requested.
type RootHandler struct {
	root *pki.Certificate
}

// Root builds a Handler that only ever admits root.
func Root(root *pki.Certificate) RootHandler {
	return RootHandler{root: root}
}

// May implements Handler.
func (h RootHandler) May(peer verify.Peer, permission Permission) error {
	if !isRoot(peer, h.root) {
		return denied("this endpoint only accepts the root certificate")
	}
	return nil
}
