package connection

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/quic-go/quic-go"

	"github.com/svalinhq/svalin/lib/rpc/session"
	"github.com/svalinhq/svalin/lib/verify"
)

// Direct is a connection owning one QUIC connection to a directly
// reachable peer. Peer identity is derived once, from the certificate
// presented during the TLS handshake quic-go performs internally, and
// never changes for the lifetime of the connection.
type Direct struct {
	quicConn quic.Connection
	peer     verify.Peer
}

// NewDirect wraps an established quic.Connection, deriving its peer
// identity from the completed TLS handshake.
func NewDirect(quicConn quic.Connection) (*Direct, error) {
	peer, err := verify.PeerFromConnectionState(quicConn.ConnectionState().TLS)
	if err != nil {
		return nil, trace.Wrap(err, "deriving peer from handshake")
	}
	return &Direct{quicConn: quicConn, peer: peer}, nil
}

// OpenSession implements Connection by opening one bidirectional QUIC
// stream, synchronously.
func (d *Direct) OpenSession(ctx context.Context) (*session.Session, error) {
	stream, err := d.quicConn.OpenStreamSync(ctx)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "opening quic stream")
	}
	return session.New(stream, d.peer), nil
}

// AcceptSession implements Connection by awaiting the next inbound
// bidirectional QUIC stream.
func (d *Direct) AcceptSession(ctx context.Context) (*session.Session, error) {
	stream, err := d.quicConn.AcceptStream(ctx)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "accepting quic stream")
	}
	return session.New(stream, d.peer), nil
}

// Peer implements Connection.
func (d *Direct) Peer() verify.Peer { return d.peer }

// Closed implements Connection: the returned channel closes when the
// underlying QUIC connection's context is done.
func (d *Direct) Closed() <-chan struct{} {
	return d.quicConn.Context().Done()
}

// Close implements Connection.
func (d *Direct) Close() error {
	return trace.Wrap(d.quicConn.CloseWithError(0, "connection closed"))
}
