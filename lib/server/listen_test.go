package server_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/connection"
	"github.com/svalinhq/svalin/lib/rpc/session"
	"github.com/svalinhq/svalin/lib/server"
	"github.com/svalinhq/svalin/lib/verify"
)

const slowCommandKey = "slow_test_command"

// slowHandler blocks until release is closed, so a test can hold a
// session handler open long enough to observe Shutdown waiting on it.
type slowHandler struct {
	started chan struct{}
	release chan struct{}
}

func (*slowHandler) RequiredPermission([]byte) permission.Permission {
	return permission.AnonymousOnly
}

func (h *slowHandler) Handle(_ context.Context, s *session.Session, _ []byte) error {
	close(h.started)
	<-h.release
	return s.WriteStatus(session.StatusOK, "")
}

// fakeConn hands back exactly one pre-built session, then blocks
// AcceptSession on ctx until the test cancels it, like a connection
// with no further inbound sessions.
type fakeConn struct {
	once    chan *session.Session
	claimed bool
	closed  chan struct{}
}

func (c *fakeConn) OpenSession(context.Context) (*session.Session, error) {
	return nil, trace.NotImplemented("fakeConn does not open sessions")
}

func (c *fakeConn) AcceptSession(ctx context.Context) (*session.Session, error) {
	if !c.claimed {
		c.claimed = true
		return <-c.once, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *fakeConn) Peer() verify.Peer       { return verify.Peer{Anonymous: true} }
func (c *fakeConn) Closed() <-chan struct{} { return c.closed }
func (c *fakeConn) Close() error            { return nil }

var _ connection.Connection = (*fakeConn)(nil)

// fakeListener hands back a single pre-built fakeConn on its first
// Accept call, then blocks until ctx ends, like a QUIC listener with
// no further inbound connections.
type fakeListener struct {
	conn   *fakeConn
	handed bool
	closed chan struct{}
}

func (l *fakeListener) Accept(ctx context.Context) (connection.Connection, error) {
	if !l.handed {
		l.handed = true
		return l.conn, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (l *fakeListener) Close() error {
	close(l.closed)
	return nil
}

var _ server.Listener = (*fakeListener)(nil)

func newFakeConn() (*fakeConn, net.Conn) {
	client, serverSide := net.Pipe()
	conn := &fakeConn{once: make(chan *session.Session, 1), closed: make(chan struct{})}
	conn.once <- session.New(serverSide, verify.Peer{Anonymous: true})
	return conn, client
}

// staticOpener hands back the same already-open client transport on
// every call, enough for these tests' single dispatch.
type staticOpener struct {
	s *session.Session
}

func (o staticOpener) OpenSession(context.Context) (*session.Session, error) {
	return o.s, nil
}

// TestServeShutdownWaitsForInFlightHandler is the "await task-tracker
// join" half of spec.md §5: Shutdown must not return while a session
// handler it dispatched is still running.
func TestServeShutdownWaitsForInFlightHandler(t *testing.T) {
	srv := server.New(clockwork.NewRealClock())
	handler := &slowHandler{started: make(chan struct{}), release: make(chan struct{})}
	srv.Registry().Register(slowCommandKey, handler)

	conn, client := newFakeConn()
	listener := &fakeListener{conn: conn, closed: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, listener) }()

	clientSession := session.New(client, verify.Peer{})
	dispatchErr := make(chan error, 1)
	go func() {
		dispatchErr <- command.Dispatch(context.Background(), staticOpener{clientSession}, slowCommandKey, struct{}{}, func(_ context.Context, s *session.Session) (bool, error) {
			_, err := s.ReadStatus()
			return false, err
		})
	}()

	select {
	case <-handler.started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	cancel()

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- srv.Shutdown(context.Background()) }()

	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned before the in-flight handler released")
	case <-time.After(200 * time.Millisecond):
	}

	close(handler.release)

	select {
	case err := <-shutdownDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown never returned after the handler released")
	}

	<-dispatchErr
	require.NoError(t, <-serveErr)
}

// TestServeShutdownCloseTimeout is the "CloseTimeout on expiry without
// blocking process exit" half of spec.md §5.
func TestServeShutdownCloseTimeout(t *testing.T) {
	srv := server.New(clockwork.NewRealClock())
	handler := &slowHandler{started: make(chan struct{}), release: make(chan struct{})}
	srv.Registry().Register(slowCommandKey, handler)

	conn, client := newFakeConn()
	listener := &fakeListener{conn: conn, closed: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, listener) }()

	clientSession := session.New(client, verify.Peer{})
	go command.Dispatch(context.Background(), staticOpener{clientSession}, slowCommandKey, struct{}{}, func(context.Context, *session.Session) (bool, error) {
		return true, nil
	})

	select {
	case <-handler.started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shutdownCancel()
	err := srv.Shutdown(shutdownCtx)
	require.Error(t, err)
	_, ok := trace.Unwrap(err).(server.CloseTimeout)
	require.True(t, ok, "expected CloseTimeout, got %v", err)

	close(handler.release)
	<-serveErr
}
