package permission_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/verify"
)

func buildCert(t *testing.T, certType pki.CertType, issuer *pki.Credential) *pki.Certificate {
	t.Helper()
	keys, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	now := time.Now()
	if issuer == nil {
		cert, err := pki.BuildRootCertificate(keys, now.Add(-time.Hour), now.Add(time.Hour))
		require.NoError(t, err)
		return cert
	}
	cert, err := pki.BuildCertificate(keys.Public, issuer, certType, now.Add(-time.Hour), now.Add(time.Hour), nil)
	require.NoError(t, err)
	return cert
}

func TestAnonymousHandler(t *testing.T) {
	h := permission.Anonymous()
	require.NoError(t, h.May(verify.Peer{Anonymous: true}, permission.ViewPublic))
	require.Error(t, h.May(verify.Peer{Anonymous: false, Certificate: buildCert(t, pki.CertTypeUser, nil)}, permission.ViewPublic))
}

func TestRootHandler(t *testing.T) {
	rootCert := buildCert(t, pki.CertTypeRoot, nil)
	h := permission.Root(rootCert)

	require.NoError(t, h.May(verify.Peer{Certificate: rootCert}, permission.RootOnly))

	other := buildCert(t, pki.CertTypeUser, nil)
	require.Error(t, h.May(verify.Peer{Certificate: other}, permission.RootOnly))
	require.Error(t, h.May(verify.Peer{Anonymous: true}, permission.RootOnly))
}

func TestWhitelistHandler(t *testing.T) {
	allowed := buildCert(t, pki.CertTypeUser, nil)
	other := buildCert(t, pki.CertTypeUser, nil)
	h := permission.Whitelist(allowed.Fingerprint())

	require.NoError(t, h.May(verify.Peer{Certificate: allowed}, permission.ViewPublic))
	require.Error(t, h.May(verify.Peer{Certificate: other}, permission.ViewPublic))
	require.Error(t, h.May(verify.Peer{Anonymous: true}, permission.ViewPublic))
}

// TestServerHandlerMatrix walks the full (peer class x permission tag)
// matrix from the permission handler spec.
func TestServerHandlerMatrix(t *testing.T) {
	rootKeys, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	now := time.Now()
	rootCert, err := pki.BuildRootCertificate(rootKeys, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	rootCredential, err := pki.NewCredential(rootCert, rootKeys)
	require.NoError(t, err)

	userCert := buildCert(t, pki.CertTypeUser, rootCredential)
	agentCert := buildCert(t, pki.CertTypeAgent, rootCredential)

	h := permission.Server(rootCert)

	rootPeer := verify.Peer{Certificate: rootCert}
	userPeer := verify.Peer{Certificate: userCert}
	agentPeer := verify.Peer{Certificate: agentCert}
	anonPeer := verify.Peer{Anonymous: true}

	perms := []permission.Permission{
		permission.RootOnly,
		permission.AuthenticatedOnly,
		permission.AnonymousOnly,
		permission.ViewPublic,
		permission.AgentOnly,
	}

	for _, p := range perms {
		// Root is ok for everything except AnonymousOnly.
		err := h.May(rootPeer, p)
		if p == permission.AnonymousOnly {
			require.Error(t, err, "root peer must be denied %s", p)
		} else {
			require.NoError(t, err, "root peer must be allowed %s", p)
		}
	}

	// Authenticated non-root, non-agent peer.
	require.NoError(t, h.May(userPeer, permission.ViewPublic))
	require.NoError(t, h.May(userPeer, permission.AuthenticatedOnly))
	require.Error(t, h.May(userPeer, permission.RootOnly))
	require.Error(t, h.May(userPeer, permission.AnonymousOnly))
	require.Error(t, h.May(userPeer, permission.AgentOnly))

	// Authenticated agent peer additionally clears AgentOnly.
	require.NoError(t, h.May(agentPeer, permission.AgentOnly))
	require.NoError(t, h.May(agentPeer, permission.ViewPublic))
	require.Error(t, h.May(agentPeer, permission.RootOnly))

	// Anonymous peer.
	require.NoError(t, h.May(anonPeer, permission.ViewPublic))
	require.NoError(t, h.May(anonPeer, permission.AnonymousOnly))
	require.Error(t, h.May(anonPeer, permission.RootOnly))
	require.Error(t, h.May(anonPeer, permission.AuthenticatedOnly))
	require.Error(t, h.May(anonPeer, permission.AgentOnly))
}

func TestPermissionString(t *testing.T) {
	require.Equal(t, "root_only", permission.RootOnly.String())
	require.Equal(t, "view_public", permission.ViewPublic.String())
}
