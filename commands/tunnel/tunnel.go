// Package tunnel implements the dispatcher/handler contract shared by
// remote_terminal and tcp_forward: a Takeable command that opens some
// backend connection and splices it byte-for-byte to the caller's
// transport. The backend itself — a PTY-backed shell, a dialed TCP
// socket — is OS-level plumbing out of scope here; this package wires
// the command keys into the registry and permission matrix so they
// are fully exercisable end to end, with NotImplementedBackend as the
// stand-in until a real backend is supplied.
package tunnel

import (
	"context"
	"io"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/codec"
	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/session"
)

// RemoteTerminalCommandKey is the command key for an interactive shell
// tunnel.
const RemoteTerminalCommandKey = "remote_terminal"

// TCPForwardCommandKey is the command key for a raw TCP-dial tunnel.
const TCPForwardCommandKey = "tcp_forward"

// Request carries the parameters a Backend needs to open its half of
// the splice. Target is meaningful only for tcp_forward (host:port to
// dial); remote_terminal ignores it.
type Request struct {
	Target string `cbor:"target,omitempty"`
}

// Backend opens the non-caller side of a tunnel splice: a PTY-backed
// shell process for remote_terminal, a dialed TCP connection for
// tcp_forward. The returned ReadWriteCloser is spliced directly to the
// caller's session transport; Open is responsible for anything the
// specific tunnel kind needs (spawning a process, dialing a socket).
type Backend interface {
	Open(ctx context.Context, req Request) (io.ReadWriteCloser, error)
}

// NotImplementedBackend is the Backend wired in when no OS-level
// implementation is available: every Open call fails, but the command
// key stays registered and permission-checked rather than absent from
// the registry entirely.
type NotImplementedBackend struct{}

// Open implements Backend.
func (NotImplementedBackend) Open(context.Context, Request) (io.ReadWriteCloser, error) {
	return nil, trace.NotImplemented("tunnel backend not implemented")
}

// Handler implements the command.Handler/Takeable contract for one
// tunnel command key. It is Takeable: on success it detaches the
// caller's transport and splices it to the backend connection; on
// failure it reports a status and closes the session itself.
type Handler struct {
	commandKey string
	backend    Backend
}

// NewHandler builds a tunnel handler for commandKey, backed by
// backend.
func NewHandler(commandKey string, backend Backend) *Handler {
	return &Handler{commandKey: commandKey, backend: backend}
}

// RequiredPermission implements command.Handler: any authenticated
// peer reaching this command (normally an operator, over a forwarded
// E2E session to an agent) may open a tunnel.
func (*Handler) RequiredPermission([]byte) permission.Permission {
	return permission.AuthenticatedOnly
}

// Handle implements command.Handler.
func (h *Handler) Handle(ctx context.Context, s *session.Session, rawRequest []byte) error {
	var req Request
	if err := codec.DecodeObject(rawRequest, &req); err != nil {
		s.WriteStatus(session.StatusDecodeRequest, err.Error())
		s.Close()
		return trace.Wrap(err, "decoding %s request", h.commandKey)
	}

	backendConn, err := h.backend.Open(ctx, req)
	if err != nil {
		s.WriteStatus(session.StatusNotFound, err.Error())
		s.Close()
		return trace.Wrap(err, "opening %s backend", h.commandKey)
	}

	if err := s.WriteStatus(session.StatusOK, ""); err != nil {
		backendConn.Close()
		s.Close()
		return trace.Wrap(err, "acknowledging %s", h.commandKey)
	}

	transport := s.Detach()
	session.Splice(transport, backendConn)
	return nil
}

// Takeable implements command.Takeable.
func (*Handler) Takeable() {}

// Dispatch runs the caller side of a tunnel command: on success it
// returns the caller's own raw transport, now spliced opaquely to the
// backend connection, for the caller to read/write the tunneled
// protocol (a terminal byte stream, a raw TCP stream) directly.
func Dispatch(ctx context.Context, opener command.SessionOpener, commandKey string, req Request) (session.Transport, error) {
	var transport session.Transport
	err := command.Dispatch(ctx, opener, commandKey, req, func(_ context.Context, s *session.Session) (bool, error) {
		status, err := s.ReadStatus()
		if err != nil {
			return false, trace.Wrap(err, "reading %s status", commandKey)
		}
		if status.Code != session.StatusOK {
			return false, trace.Errorf("%s rejected: %s: %s", commandKey, status.Code, status.Message)
		}
		transport = s.Detach()
		return true, nil
	})
	if err != nil {
		return nil, trace.Wrap(err, "dispatching %s", commandKey)
	}
	return transport, nil
}
