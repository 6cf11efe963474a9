package ping_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/svalinhq/svalin/commands/ping"
	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/session"
	"github.com/svalinhq/svalin/lib/verify"
)

type pipeOpener struct{ conn net.Conn }

func (o *pipeOpener) OpenSession(context.Context) (*session.Session, error) {
	return session.New(o.conn, verify.Peer{Anonymous: true}), nil
}

func TestPingEchoesNonce(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	registry := command.NewRegistry()
	registry.Register(ping.CommandKey, ping.NewHandler())

	serverSession := session.New(serverConn, verify.Peer{Anonymous: true})
	done := make(chan error, 1)
	go func() {
		done <- command.Accept(context.Background(), registry, permission.Anonymous(), serverSession)
	}()

	opener := &pipeOpener{conn: clientConn}
	echoed, err := ping.Dispatch(context.Background(), opener, 42)
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, uint64(42), echoed)
}
