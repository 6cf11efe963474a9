// Package ping implements the liveness-check command: any peer,
// including anonymous, gets back exactly what it sent.
package ping

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/codec"
	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/session"
)

// CommandKey is the wire command key for ping.
const CommandKey = "ping"

// Request carries an opaque payload the server echoes back.
type Request struct {
	Nonce uint64 `cbor:"nonce"`
}

// Response echoes Request's nonce.
type Response struct {
	Nonce uint64 `cbor:"nonce"`
}

// Handler implements command.Handler.
type Handler struct{}

// NewHandler builds a ping handler.
func NewHandler() *Handler { return &Handler{} }

// RequiredPermission implements command.Handler: ping is open to
// everyone, including unauthenticated bootstrap clients probing
// liveness before any credential exists.
func (*Handler) RequiredPermission([]byte) permission.Permission {
	return permission.ViewPublic
}

// Handle implements command.Handler.
func (*Handler) Handle(_ context.Context, s *session.Session, rawRequest []byte) error {
	var req Request
	if err := codec.DecodeObject(rawRequest, &req); err != nil {
		s.WriteStatus(session.StatusDecodeRequest, err.Error())
		return trace.Wrap(err, "decoding ping request")
	}
	if err := s.WriteStatus(session.StatusOK, ""); err != nil {
		return trace.Wrap(err, "writing ping status")
	}
	return trace.Wrap(s.WriteObject(Response{Nonce: req.Nonce}))
}

// Dispatch sends a ping carrying nonce and returns the echoed value.
func Dispatch(ctx context.Context, opener command.SessionOpener, nonce uint64) (uint64, error) {
	var echoed uint64
	err := command.Dispatch(ctx, opener, CommandKey, Request{Nonce: nonce}, func(_ context.Context, s *session.Session) (bool, error) {
		status, err := s.ReadStatus()
		if err != nil {
			return false, trace.Wrap(err, "reading ping status")
		}
		if status.Code != session.StatusOK {
			return false, trace.Errorf("ping rejected: %s: %s", status.Code, status.Message)
		}
		var resp Response
		if err := s.ReadObject(&resp); err != nil {
			return false, trace.Wrap(err, "reading ping response")
		}
		echoed = resp.Nonce
		return false, nil
	})
	return echoed, err
}
