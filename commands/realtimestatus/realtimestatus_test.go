package realtimestatus_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/svalinhq/svalin/commands/realtimestatus"
	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/realtime"
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

// TestRealtimeStatusStreamsFrames drives a full server handler plus
// lib/realtime.Subscriber client, asserting at least one frame arrives
// and that the server handler returns once the only subscriber is
// dropped and the shared context is cancelled.
func TestRealtimeStatusStreamsFrames(t *testing.T) {
	count := 0
	source := realtimestatus.NewTickerSource(clockwork.NewRealClock(), 5*time.Millisecond, func() []byte {
		count++
		return []byte{byte(count)}
	})

	registry := command.NewRegistry()
	registry.Register(realtimestatus.CommandKey, realtimestatus.NewHandler(source))

	clientConn, serverConn := net.Pipe()
	acceptErr := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		s := session.New(serverConn, verify.Peer{})
		acceptErr <- command.Accept(ctx, registry, allowAllPermission{}, s)
	}()

	sub := realtime.New(realtimestatus.Opener(&pipeOpener{conn: clientConn}))
	received, unsubscribe := sub.Subscribe(ctx)

	select {
	case snap := <-received:
		require.NotEmpty(t, snap.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for realtime_status frame")
	}

	unsubscribe()
	cancel()
	<-acceptErr
}
