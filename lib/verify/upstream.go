package verify

import (
	"time"

	"github.com/svalinhq/svalin/lib/pki"
)

// UpstreamVerifier accepts exactly one pinned leaf certificate,
// provided that leaf is itself signed by root. Used by E2E forwarded
// sessions, where the client already knows the agent's leaf
// certificate from the agent list and only needs to confirm it chains
// to the deployment's root.
type UpstreamVerifier struct {
	root       *pki.Certificate
	pinnedLeaf *pki.Certificate
}

// Upstream builds a Verifier pinned to leaf, chained to root.
func Upstream(root, pinnedLeaf *pki.Certificate) *UpstreamVerifier {
	return &UpstreamVerifier{root: root, pinnedLeaf: pinnedLeaf}
}

// VerifyFingerprint implements Verifier.
func (v *UpstreamVerifier) VerifyFingerprint(fingerprint pki.Fingerprint, at time.Time) (*pki.Certificate, error) {
	if fingerprint != v.pinnedLeaf.Fingerprint() {
		return nil, Unknown("fingerprint does not match pinned leaf")
	}
	if err := v.pinnedLeaf.CheckValidityAt(at); err != nil {
		return nil, Expired(err)
	}
	if err := v.root.CheckValidityAt(at); err != nil {
		return nil, Expired(err)
	}
	if err := v.pinnedLeaf.VerifySignature(v.root.PublicKey()); err != nil {
		return nil, Mismatch("pinned leaf is not signed by root: %v", err)
	}
	return v.pinnedLeaf, nil
}
