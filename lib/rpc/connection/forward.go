package connection

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/session"
	"github.com/svalinhq/svalin/lib/verify"
)

// ForwardCommandKey is the command the dispatcher side of a Forward
// connection opens on the underlying Direct connection for every
// OpenSession call.
const ForwardCommandKey = "forward"

// Forward is logically a connection to target, a peer not directly
// reachable from here. Every OpenSession opens one session on the
// underlying Direct connection with ForwardCommandKey, writes target's
// fingerprint as the request, and — once the server has spliced this
// session to one on its own connection to target — takes over the
// underlying raw stream as the new session's transport. The server
// never parses anything past that first request; from here on it is
// an opaque byte relay.
type Forward struct {
	underlying command.SessionOpener
	target     *pki.Certificate
}

// NewForward builds a Forward connection to target, tunneled through
// underlying.
func NewForward(underlying command.SessionOpener, target *pki.Certificate) *Forward {
	return &Forward{underlying: underlying, target: target}
}

// ForwardRequest is the request object written for the forward
// command: the fingerprint of the connection the server should splice
// this session into.
type ForwardRequest struct {
	TargetFingerprint pki.Fingerprint `cbor:"target_fingerprint"`
}

// OpenSession implements Connection. It reads the server's
// acknowledging status before taking over the transport: commands/forward
// writes StatusOK only once it has successfully opened and spliced a
// forward_accept session to target, so a rejection (target not found,
// target unreachable) surfaces here as a typed error rather than a
// transport that silently never produces data.
func (f *Forward) OpenSession(ctx context.Context) (*session.Session, error) {
	var transport session.Transport
	err := command.Dispatch(ctx, f.underlying, ForwardCommandKey, ForwardRequest{TargetFingerprint: f.target.Fingerprint()}, func(ctx context.Context, s *session.Session) (bool, error) {
		status, err := s.ReadStatus()
		if err != nil {
			return false, trace.Wrap(err, "reading forward status")
		}
		if status.Code != session.StatusOK {
			return false, trace.Errorf("forward rejected: %s: %s", status.Code, status.Message)
		}
		transport = s.Detach()
		return true, nil
	})
	if err != nil {
		return nil, trace.Wrap(err, "opening forward session to %x", f.target.Fingerprint())
	}
	return session.New(transport, verify.Peer{Certificate: f.target}), nil
}

// AcceptSession is not meaningful on a Forward connection: inbound
// sessions from a forwarded peer arrive as ordinary sessions on the
// underlying Direct connection's forward_accept handler, not here.
func (f *Forward) AcceptSession(ctx context.Context) (*session.Session, error) {
	return nil, trace.NotImplemented("forward connections do not accept sessions directly")
}

// Peer implements Connection.
func (f *Forward) Peer() verify.Peer { return verify.Peer{Certificate: f.target} }

// Closed implements Connection. A Forward connection has no identity
// of its own to observe closing independent of the session it hands
// back from OpenSession; closed is reported as never-closing here and
// callers instead observe transport errors on the returned session.
func (f *Forward) Closed() <-chan struct{} {
	return make(chan struct{})
}

// Close implements Connection. Forward has no persistent resource of
// its own to release; each OpenSession call owns its own underlying
// session.
func (f *Forward) Close() error { return nil }
