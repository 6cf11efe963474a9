package joinagent_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/svalinhq/svalin/commands/joinagent"
	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/session"
	"github.com/svalinhq/svalin/lib/store"
	"github.com/svalinhq/svalin/lib/verify"
)

type allowAllPermission struct{}

func (allowAllPermission) May(verify.Peer, permission.Permission) error { return nil }

type pipeOpener struct{ conn net.Conn }

func (o *pipeOpener) OpenSession(context.Context) (*session.Session, error) {
	return session.New(o.conn, verify.Peer{}), nil
}

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

// TestRegistryExclusivity is the "join-code exclusivity" property: of
// two concurrent Take calls for the same code, exactly one succeeds.
func TestRegistryExclusivity(t *testing.T) {
	registry := joinagent.NewRegistry(clockwork.NewRealClock())
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	_, err := registry.Put("ABC123", a)
	require.NoError(t, err)

	results := make(chan bool, 2)
	go func() { _, ok := registry.Take("ABC123"); results <- ok }()
	go func() { _, ok := registry.Take("ABC123"); results <- ok }()

	first, second := <-results, <-results
	require.True(t, first != second, "exactly one of two concurrent claims must succeed")
}

// TestRegistryEvictsOnAgentDisconnect is spec.md:195's "an agent
// disconnect during 'waiting for client' evicts the entry" property: a
// parked transport closing frees its join code well before JoinCodeTTL
// would otherwise have expired it.
func TestRegistryEvictsOnAgentDisconnect(t *testing.T) {
	registry := joinagent.NewRegistry(clockwork.NewRealClock())
	agentSide, serverSide := net.Pipe()
	defer serverSide.Close()

	_, err := registry.Put("GONE01", serverSide)
	require.NoError(t, err)
	require.NoError(t, agentSide.Close())

	require.Eventually(t, func() bool {
		_, ok := registry.Take("GONE01")
		return !ok
	}, 5*time.Second, 50*time.Millisecond, "disconnected entry should be evicted well inside JoinCodeTTL")
}

func TestRegistryRejectsDuplicateCode(t *testing.T) {
	registry := joinagent.NewRegistry(clockwork.NewRealClock())
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	_, err := registry.Put("DUPE01", a)
	require.NoError(t, err)
	_, err = registry.Put("DUPE01", b)
	require.Error(t, err)
}

// TestJoinFlowEndToEnd drives the full agent/operator rendezvous: a
// server registry handles join_request and accept_join over two
// independent connections, the agent and operator dispatch their sides
// concurrently, and both must land on the same confirmation code
// before the operator signs the agent its permanent certificate.
func TestJoinFlowEndToEnd(t *testing.T) {
	operator := buildCredential(t, nil, pki.CertTypeRoot)

	registry := command.NewRegistry()
	joinRegistry := joinagent.NewRegistry(clockwork.NewRealClock())
	registry.Register(joinagent.JoinRequestCommandKey, joinagent.NewJoinRequestHandler(joinRegistry))
	registry.Register(joinagent.AcceptJoinCommandKey, joinagent.NewAcceptJoinHandler(joinRegistry))

	agentClientConn, agentServerConn := net.Pipe()
	opClientConn, opServerConn := net.Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	acceptErrs := make(chan error, 2)
	go func() {
		s := session.New(agentServerConn, verify.Peer{Anonymous: true})
		acceptErrs <- command.Accept(ctx, registry, allowAllPermission{}, s)
	}()
	go func() {
		s := session.New(opServerConn, verify.Peer{Certificate: operator.Certificate})
		acceptErrs <- command.Accept(ctx, registry, allowAllPermission{}, s)
	}()

	agentOpener := &pipeOpener{conn: agentClientConn}
	opOpener := &pipeOpener{conn: opClientConn}

	type agentResult struct {
		join *joinagent.AgentJoin
		err  error
	}
	type clientResult struct {
		join *joinagent.ClientJoin
		err  error
	}
	agentResults := make(chan agentResult, 1)
	clientResults := make(chan clientResult, 1)

	go func() {
		j, err := joinagent.DispatchAgentJoin(ctx, agentOpener, "ZX42QP", "office-nuc")
		agentResults <- agentResult{j, err}
	}()
	go func() {
		j, err := joinagent.DispatchClientJoin(ctx, opOpener, "ZX42QP")
		clientResults <- clientResult{j, err}
	}()

	ar := <-agentResults
	require.NoError(t, ar.err)
	cr := <-clientResults
	require.NoError(t, cr.err)

	require.Equal(t, ar.join.ConfirmationCode(), cr.join.ConfirmationCode())
	require.Equal(t, "office-nuc", cr.join.Hostname())

	var submitted *pki.SignedObject
	signed, err := cr.join.Confirm(operator.Certificate, operator, func(agent *pki.SignedObject) error {
		submitted = agent
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, submitted)

	agentCredential, agentRoot, err := ar.join.Confirm(time.Now().Add(5 * time.Second))
	require.NoError(t, err)
	require.Equal(t, pki.CertTypeAgent, agentCredential.Certificate.Type())
	require.NoError(t, agentCredential.Certificate.VerifySignature(operator.Certificate.PublicKey()))
	require.Equal(t, operator.Certificate.Raw(), agentRoot.Raw())

	var data store.PublicAgentData
	require.NoError(t, signed.Verify(verify.Exact(operator.Certificate), time.Now(), &data))
	require.Equal(t, "office-nuc", data.Hostname)
	require.Equal(t, agentCredential.Certificate.Raw(), data.Certificate)

	require.NoError(t, <-acceptErrs)
	require.NoError(t, <-acceptErrs)
}

func TestAcceptJoinUnknownCodeReportsNotFound(t *testing.T) {
	registry := command.NewRegistry()
	joinRegistry := joinagent.NewRegistry(clockwork.NewRealClock())
	registry.Register(joinagent.AcceptJoinCommandKey, joinagent.NewAcceptJoinHandler(joinRegistry))

	clientConn, serverConn := net.Pipe()
	go func() {
		s := session.New(serverConn, verify.Peer{})
		command.Accept(context.Background(), registry, allowAllPermission{}, s)
	}()

	_, err := joinagent.DispatchClientJoin(context.Background(), &pipeOpener{conn: clientConn}, "NOPE00")
	require.Error(t, err)
}
