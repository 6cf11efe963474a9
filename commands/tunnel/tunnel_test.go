package tunnel_test

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/svalinhq/svalin/commands/tunnel"
	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/session"
	"github.com/svalinhq/svalin/lib/verify"
)

type allowAllPermission struct{}

func (allowAllPermission) May(verify.Peer, permission.Permission) error { return nil }

type pipeOpener struct{ conn net.Conn }

func (o *pipeOpener) OpenSession(context.Context) (*session.Session, error) {
	return session.New(o.conn, verify.Peer{}), nil
}

// echoBackend hands back one side of an in-memory pipe, echoing
// whatever is written to it back to the caller.
type echoBackend struct{}

func (echoBackend) Open(context.Context, tunnel.Request) (io.ReadWriteCloser, error) {
	a, b := net.Pipe()
	go io.Copy(a, a) //nolint:errcheck // loopback echo, ends when the pipe closes
	return b, nil
}

// TestTunnelSplicesToBackend drives a tcp_forward-shaped request
// through the handler and confirms the caller's byte stream reaches
// the backend and an echoed reply comes back.
func TestTunnelSplicesToBackend(t *testing.T) {
	registry := command.NewRegistry()
	registry.Register(tunnel.TCPForwardCommandKey, tunnel.NewHandler(tunnel.TCPForwardCommandKey, echoBackend{}))

	clientConn, serverConn := net.Pipe()
	acceptErr := make(chan error, 1)
	go func() {
		s := session.New(serverConn, verify.Peer{})
		acceptErr <- command.Accept(context.Background(), registry, allowAllPermission{}, s)
	}()

	opener := &pipeOpener{conn: clientConn}
	transport, err := tunnel.Dispatch(context.Background(), opener, tunnel.TCPForwardCommandKey, tunnel.Request{Target: "example.test:80"})
	require.NoError(t, err)

	_, err = transport.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(transport, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	transport.Close()
	require.NoError(t, <-acceptErr)
}

// TestNotImplementedBackendReportsNotFound asserts a tunnel command
// wired to NotImplementedBackend surfaces a typed rejection rather
// than hanging.
func TestNotImplementedBackendReportsNotFound(t *testing.T) {
	registry := command.NewRegistry()
	registry.Register(tunnel.RemoteTerminalCommandKey, tunnel.NewHandler(tunnel.RemoteTerminalCommandKey, tunnel.NotImplementedBackend{}))

	clientConn, serverConn := net.Pipe()
	go func() {
		s := session.New(serverConn, verify.Peer{})
		command.Accept(context.Background(), registry, allowAllPermission{}, s)
	}()

	_, err := tunnel.Dispatch(context.Background(), &pipeOpener{conn: clientConn}, tunnel.RemoteTerminalCommandKey, tunnel.Request{})
	require.Error(t, err)
}
