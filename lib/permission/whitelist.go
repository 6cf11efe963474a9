package permission

import (
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/verify"
)

// WhitelistHandler admits only peers whose certificate fingerprint is
// in a fixed set, regardless of the permission tag requested. Used for
// narrowly-scoped internal endpoints, such as an agent's forwarded
// tunnel accepting only the server's own fingerprint.
type WhitelistHandler struct {
	set map[pki.Fingerprint]struct{}
}

// Whitelist builds a Handler admitting exactly the given fingerprints.
func Whitelist(fingerprints ...pki.Fingerprint) WhitelistHandler {
	set := make(map[pki.Fingerprint]struct{}, len(fingerprints))
	for _, fp := range fingerprints {
		set[fp] = struct{}{}
	}
	return WhitelistHandler{set: set}
}

// May implements Handler.
func (h WhitelistHandler) May(peer verify.Peer, permission Permission) error {
	if peer.Anonymous || peer.Certificate == nil {
		return denied("peer is not on the whitelist")
	}
	if _, ok := h.set[peer.Certificate.Fingerprint()]; !ok {
		return denied("peer fingerprint is not on the whitelist")
	}
	return nil
}
