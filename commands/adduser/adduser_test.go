package adduser_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/svalinhq/svalin/commands/adduser"
	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/session"
	"github.com/svalinhq/svalin/lib/store"
	"github.com/svalinhq/svalin/lib/verify"
)

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

func TestAddUserPersistsNewRecord(t *testing.T) {
	root := buildCredential(t, nil, pki.CertTypeRoot)
	user := buildCredential(t, root, pki.CertTypeUser)

	clientConn, serverConn := net.Pipe()

	users := store.NewMemoryUserStore()
	handler := adduser.NewHandler(users)
	registry := command.NewRegistry()
	registry.Register(adduser.CommandKey, handler)

	rootPeer := verify.Peer{Certificate: root.Certificate}
	serverSession := session.New(serverConn, rootPeer)

	done := make(chan error, 1)
	go func() {
		done <- command.Accept(context.Background(), registry, permission.Root(root.Certificate), serverSession)
	}()

	blob, err := pki.EncryptWithPassword([]byte("hunter2"), []byte("serialized-private-key"))
	require.NoError(t, err)
	blobBytes, err := blob.Marshal()
	require.NoError(t, err)

	params, err := pki.NewArgon2Params()
	require.NoError(t, err)
	double, err := pki.ComputeDoubleHash([]byte("client-hash"))
	require.NoError(t, err)

	opener := &pipeOpener{conn: clientConn}
	err = adduser.Dispatch(context.Background(), opener, adduser.Request{
		Username:            "admin",
		Certificate:         user.Certificate.Raw(),
		EncryptedCredential: blobBytes,
		ClientHashParams:    *params,
		PasswordDoubleHash:  *double,
		TOTPSecret:          "JBSWY3DPEHPK3PXP",
	})
	require.NoError(t, err)
	require.NoError(t, <-done)

	stored, err := users.ByUsername("admin")
	require.NoError(t, err)
	require.Equal(t, user.Certificate.Fingerprint(), stored.Fingerprint())
}

func TestAddUserRejectsNonUserCertificate(t *testing.T) {
	root := buildCredential(t, nil, pki.CertTypeRoot)
	agent := buildCredential(t, root, pki.CertTypeAgent)

	clientConn, serverConn := net.Pipe()
	users := store.NewMemoryUserStore()
	handler := adduser.NewHandler(users)
	registry := command.NewRegistry()
	registry.Register(adduser.CommandKey, handler)

	rootPeer := verify.Peer{Certificate: root.Certificate}
	serverSession := session.New(serverConn, rootPeer)

	done := make(chan error, 1)
	go func() {
		done <- command.Accept(context.Background(), registry, permission.Root(root.Certificate), serverSession)
	}()

	opener := &pipeOpener{conn: clientConn}
	err := adduser.Dispatch(context.Background(), opener, adduser.Request{
		Username:    "notauser",
		Certificate: agent.Certificate.Raw(),
	})
	require.Error(t, err)
	require.Error(t, <-done)
}
