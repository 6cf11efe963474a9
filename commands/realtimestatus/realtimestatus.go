// Package realtimestatus implements the realtime_status command: an
// agent streams periodic status frames to whichever operator opened
// the session, until the peer disconnects or the session's context
// ends. It is the backing RPC for lib/realtime's smart subscriber.
package realtimestatus

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/realtime"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/session"
)

// CommandKey is the wire command key for realtime_status.
const CommandKey = "realtime_status"

// Frame is one status update, wire-compatible with the anonymous
// frame shape lib/realtime.Subscriber decodes.
type Frame struct {
	Data []byte `cbor:"data"`
}

// Source produces the stream of status frames a Handler forwards.
// Subscribe starts production if this is the first subscriber and
// returns a channel of opaque, already-encoded status payloads; the
// returned cancel function unregisters the receiver.
type Source interface {
	Subscribe() (<-chan []byte, func())
}

// Handler implements command.Handler for realtime_status.
type Handler struct {
	source Source
}

// NewHandler builds a realtime_status handler streaming from source.
func NewHandler(source Source) *Handler {
	return &Handler{source: source}
}

// RequiredPermission implements command.Handler: any authenticated
// peer reaching the agent (an operator, over a forwarded E2E session)
// may subscribe.
func (*Handler) RequiredPermission([]byte) permission.Permission {
	return permission.AuthenticatedOnly
}

// Handle implements command.Handler.
func (h *Handler) Handle(ctx context.Context, s *session.Session, _ []byte) error {
	if err := s.WriteStatus(session.StatusOK, ""); err != nil {
		return trace.Wrap(err, "writing realtime_status status")
	}

	frames, cancel := h.source.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-frames:
			if !ok {
				return nil
			}
			if err := s.WriteObject(Frame{Data: data}); err != nil {
				return trace.Wrap(err, "writing realtime_status frame")
			}
		}
	}
}

// Opener builds a realtime.Opener that dispatches realtime_status over
// opener and hands back the resulting session left Open for reads, for
// use as the backing session of an lib/realtime.Subscriber.
func Opener(opener command.SessionOpener) realtime.Opener {
	return func(ctx context.Context) (*session.Session, error) {
		s, err := opener.OpenSession(ctx)
		if err != nil {
			return nil, trace.Wrap(err, "opening realtime_status session")
		}
		if err := s.WriteEnvelope(CommandKey, struct{}{}); err != nil {
			s.Close()
			return nil, trace.Wrap(err, "writing realtime_status envelope")
		}
		status, err := s.ReadStatus()
		if err != nil {
			s.Close()
			return nil, trace.Wrap(err, "reading realtime_status status")
		}
		if status.Code != session.StatusOK {
			s.Close()
			return nil, trace.Errorf("realtime_status rejected: %s: %s", status.Code, status.Message)
		}
		return s, nil
	}
}
