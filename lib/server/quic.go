package server

import (
	"context"
	"net"

	"github.com/gravitational/trace"
	"github.com/quic-go/quic-go"

	"github.com/svalinhq/svalin/lib/rpc/connection"
)

// QUICListener adapts a *quic.Listener into the Listener interface
// Serve consumes, wrapping each accepted quic.Connection as a
// connection.Direct so its peer identity is derived exactly once, from
// the completed TLS handshake, the same as every other connection in
// the system.
type QUICListener struct {
	inner *quic.Listener
}

// NewQUICListener wraps an already-constructed *quic.Listener, built
// by the caller via quic.Listen(udpConn, tlsConfig, quicConfig) with
// the *tls.Config returned by Server.TLSConfig.
func NewQUICListener(inner *quic.Listener) *QUICListener {
	return &QUICListener{inner: inner}
}

// Accept implements Listener.
func (l *QUICListener) Accept(ctx context.Context) (connection.Connection, error) {
	quicConn, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, trace.Wrap(err, "accepting quic connection")
	}
	direct, err := connection.NewDirect(quicConn)
	if err != nil {
		quicConn.CloseWithError(0, "handshake rejected")
		return nil, trace.Wrap(err, "wrapping accepted connection")
	}
	return direct, nil
}

// Addr returns the listener's local network address.
func (l *QUICListener) Addr() net.Addr {
	return l.inner.Addr()
}

// Close closes the listener.
func (l *QUICListener) Close() error {
	return trace.Wrap(l.inner.Close())
}
