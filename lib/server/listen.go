package server

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/svalinhq/svalin/lib/defaults"
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/connection"
	"github.com/svalinhq/svalin/lib/rpc/session"
	"github.com/svalinhq/svalin/lib/verify"
)

// rootVerifier resolves certificates against whichever trust root is
// currently live. Before first-init it recognizes nothing, since no
// root certificate exists yet; a legitimate pre-init client never
// presents one (first-init exchanges its ephemeral root over the
// application protocol, not the handshake), so every call this
// verifier actually receives pre-init is a peer with no business
// connecting. After first-init it delegates to verify.Composed over
// the server's own agent/session/user stores. Resolved fresh on every
// call rather than cached, so the single long-lived listener spanning
// first-init picks up the new root without rebuilding its *tls.Config.
type rootVerifier struct {
	server *Server
}

// VerifyFingerprint implements verify.Verifier.
func (v rootVerifier) VerifyFingerprint(fingerprint pki.Fingerprint, at time.Time) (*pki.Certificate, error) {
	root, _, err := v.server.RootOfTrust()
	if err != nil {
		return nil, verify.Unknown("deployment not yet initialized")
	}
	composed := verify.Composed(root, v.server.agents, v.server.sessions, v.server.users)
	return composed.VerifyFingerprint(fingerprint, at)
}

// TLSConfig builds the *tls.Config the server's QUIC listener runs.
// Client certificates are requested but never required: the same
// listener must serve anonymous bootstrap traffic (public_status,
// first_init, join_request, login) and authenticated traffic alike,
// with permission.ServerHandler (once live) and the narrower handlers
// (Anonymous, Root) doing the actual per-command gating. credential is
// the TLS leaf identity the listener itself presents; before
// first-init completes this is an ephemeral self-signed identity, not
// the deployment's permanent server certificate, since that does not
// exist yet.
func (s *Server) TLSConfig(credential *pki.Credential) (*tls.Config, error) {
	cfg, err := verify.OptionalClientAuth(credential, rootVerifier{server: s})
	if err != nil {
		return nil, trace.Wrap(err, "building server tls config")
	}
	cfg.NextProtos = []string{defaults.ALPNProtocol}
	return cfg, nil
}

// Listener is the subset of a QUIC listener Serve needs, satisfied by
// *quic.Listener. Abstracted so tests can drive Serve over an
// in-memory stand-in.
type Listener interface {
	Accept(ctx context.Context) (connection.Connection, error)
	Close() error
}

// Serve runs the accept loop for the life of ctx: for every inbound
// connection it identifies agent peers in the live-connection table
// (so forward can later locate them), then dispatches each inbound
// session against the server's registry under its current permission
// policy. Connection and session handling both run on a task set
// Shutdown can join: a connection's own incoming-stream acceptor is
// unbounded, but the session handlers it feeds are capped at
// defaults.MaxHandlerTasks, per spec.md §5. Serve itself returns as
// soon as ctx is cancelled or the listener reports a fatal error; it
// does not wait for in-flight tasks to finish — call Shutdown for that.
func (s *Server) Serve(ctx context.Context, listener Listener) error {
	rootCtx, cancel := context.WithCancel(ctx)
	tasks := newTaskTracker(defaults.MaxHandlerTasks)

	s.runMu.Lock()
	s.listener = listener
	s.rootCancel = cancel
	s.tasks = tasks
	s.runMu.Unlock()
	defer cancel()

	for {
		conn, err := listener.Accept(rootCtx)
		if err != nil {
			if rootCtx.Err() != nil {
				return nil
			}
			return trace.Wrap(err, "accepting connection")
		}
		tasks.trackConnection(func() { s.serveConnection(rootCtx, tasks, conn) })
	}
}

func (s *Server) serveConnection(ctx context.Context, tasks *taskTracker, conn connection.Connection) {
	peer := conn.Peer()
	if !peer.Anonymous && peer.Certificate != nil && peer.Certificate.Type() == pki.CertTypeAgent {
		fp := peer.Certificate.Fingerprint()
		s.connections.Put(fp, conn)
		defer s.connections.Remove(fp, conn)
	}

	for {
		sess, err := conn.AcceptSession(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Debug("connection accept loop ended")
			}
			return
		}
		tasks.spawnHandler(ctx, func() { s.serveSession(ctx, sess) })
	}
}

func (s *Server) serveSession(ctx context.Context, sess *session.Session) {
	if err := command.Accept(ctx, s.registry, s, sess); err != nil {
		log.WithError(err).Debug("command session ended")
	}
}
