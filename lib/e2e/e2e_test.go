package e2e_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/svalinhq/svalin/lib/e2e"
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/rpc/session"
	"github.com/svalinhq/svalin/lib/verify"
)

func buildCredential(t *testing.T, issuer *pki.Credential, certType pki.CertType) *pki.Credential {
	t.Helper()
	keys, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	now := time.Now()

	if issuer == nil {
		cert, err := pki.BuildRootCertificate(keys, now.Add(-time.Hour), now.Add(time.Hour))
		require.NoError(t, err)
		cred, err := pki.NewCredential(cert, keys)
		require.NoError(t, err)
		return cred
	}

	cert, err := pki.BuildCertificate(keys.Public, issuer, certType, now.Add(-time.Hour), now.Add(time.Hour), nil)
	require.NoError(t, err)
	cred, err := pki.NewCredential(cert, keys)
	require.NoError(t, err)
	return cred
}

func TestEndToEndUpgradeHandshake(t *testing.T) {
	root := buildCredential(t, nil, pki.CertTypeRoot)
	agent := buildCredential(t, root, pki.CertTypeAgent)
	client := buildCredential(t, root, pki.CertTypeUser)

	a, b := net.Pipe()
	clientSession := session.New(a, verify.Peer{Anonymous: true})
	agentSession := session.New(b, verify.Peer{Anonymous: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make(chan error, 2)
	var upgradedClient, upgradedAgent *session.Session

	go func() {
		var err error
		upgradedAgent, err = e2e.UpgradeAgent(ctx, agentSession, agent, root.Certificate)
		results <- err
	}()
	go func() {
		var err error
		upgradedClient, err = e2e.UpgradeClient(ctx, clientSession, client, root.Certificate, agent.Certificate)
		results <- err
	}()

	require.NoError(t, <-results)
	require.NoError(t, <-results)

	require.Equal(t, session.Closed, clientSession.State())
	require.Equal(t, session.Created, upgradedClient.State())

	agentPeer := upgradedAgent.Peer()
	require.False(t, agentPeer.Anonymous)
	require.Equal(t, client.Certificate.Fingerprint(), agentPeer.Certificate.Fingerprint())

	clientPeer := upgradedClient.Peer()
	require.False(t, clientPeer.Anonymous)
	require.Equal(t, agent.Certificate.Fingerprint(), clientPeer.Certificate.Fingerprint())
}

func TestEndToEndUpgradeRejectsUnrelatedRoot(t *testing.T) {
	root := buildCredential(t, nil, pki.CertTypeRoot)
	otherRoot := buildCredential(t, nil, pki.CertTypeRoot)
	agent := buildCredential(t, root, pki.CertTypeAgent)
	client := buildCredential(t, otherRoot, pki.CertTypeUser)

	a, b := net.Pipe()
	clientSession := session.New(a, verify.Peer{Anonymous: true})
	agentSession := session.New(b, verify.Peer{Anonymous: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make(chan error, 2)
	go func() {
		_, err := e2e.UpgradeAgent(ctx, agentSession, agent, root.Certificate)
		results <- err
	}()
	go func() {
		_, err := e2e.UpgradeClient(ctx, clientSession, client, root.Certificate, agent.Certificate)
		results <- err
	}()

	err1 := <-results
	err2 := <-results
	require.True(t, err1 != nil || err2 != nil, "handshake between mismatched roots must fail on at least one side")
}
