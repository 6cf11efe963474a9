package login_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/svalinhq/svalin/commands/login"
	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/session"
	"github.com/svalinhq/svalin/lib/verify"
)

type pipeOpener struct{ conn net.Conn }

func (o *pipeOpener) OpenSession(context.Context) (*session.Session, error) {
	return session.New(o.conn, verify.Peer{Anonymous: true}), nil
}

type fakeLookup struct {
	params pki.Argon2Params
	blob   []byte
}

func (f *fakeLookup) ClientHashParams(string) (pki.Argon2Params, error) { return f.params, nil }
func (f *fakeLookup) EncryptedCredential(string) ([]byte, error)       { return f.blob, nil }

func TestLoginReturnsHashParamsAndBlob(t *testing.T) {
	params, err := pki.NewArgon2Params()
	require.NoError(t, err)
	blob, err := pki.EncryptWithPassword([]byte("hunter2"), []byte("private-key-bytes"))
	require.NoError(t, err)
	blobBytes, err := blob.Marshal()
	require.NoError(t, err)

	users := &fakeLookup{params: *params, blob: blobBytes}
	handler := login.NewHandler(users)

	clientConn, serverConn := net.Pipe()
	registry := command.NewRegistry()
	registry.Register(login.CommandKey, handler)

	serverSession := session.New(serverConn, verify.Peer{Anonymous: true})
	done := make(chan error, 1)
	go func() {
		done <- command.Accept(context.Background(), registry, permission.Anonymous(), serverSession)
	}()

	opener := &pipeOpener{conn: clientConn}
	resp, err := login.Dispatch(context.Background(), opener, "admin")
	require.NoError(t, err)
	require.NoError(t, <-done)

	require.Equal(t, blobBytes, resp.EncryptedCredential)
	require.Equal(t, params.Salt, resp.ClientHashParams.Salt)
}
