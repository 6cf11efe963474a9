package update_test

import (
	"context"
	"net"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/svalinhq/svalin/commands/update"
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

// TestUpdateCommandsAreNotImplemented asserts both update command keys
// are reachable through the registry and permission matrix but
// uniformly report NotImplemented.
func TestUpdateCommandsAreNotImplemented(t *testing.T) {
	for _, key := range []string{update.CheckUpdateCommandKey, update.StartUpdateCommandKey} {
		registry := command.NewRegistry()
		registry.Register(key, update.NewHandler(key))

		clientConn, serverConn := net.Pipe()
		go func() {
			s := session.New(serverConn, verify.Peer{})
			command.Accept(context.Background(), registry, allowAllPermission{}, s)
		}()

		err := update.Dispatch(context.Background(), &pipeOpener{conn: clientConn}, key)
		require.Error(t, err)
		require.True(t, trace.IsNotImplemented(err), "expected NotImplemented for %s, got %v", key, err)
	}
}
