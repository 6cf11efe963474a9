// Package publicstatus implements the anonymous status probe a client
// runs immediately after connecting, before it has any credential, to
// learn whether the server still needs first-init.
package publicstatus

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/session"
)

// CommandKey is the wire command key for public_status.
const CommandKey = "public_status"

// Status is the server's bootstrap state.
type Status string

const (
	// WaitingForInit means no root certificate has been provisioned
	// yet; the server will accept the first-init flow from any peer.
	WaitingForInit Status = "waiting_for_init"
	// Ready means the server has a root certificate and only serves
	// authenticated traffic beyond this probe.
	Ready Status = "ready"
)

// Response carries the server's current bootstrap status.
type Response struct {
	Status Status `cbor:"status"`
}

// Source reports the server's current status; satisfied by whatever
// owns first-init state (lib/server).
type Source interface {
	PublicStatus() Status
}

// Handler implements command.Handler.
type Handler struct {
	source Source
}

// NewHandler builds a public_status handler backed by source.
func NewHandler(source Source) *Handler {
	return &Handler{source: source}
}

// RequiredPermission implements command.Handler: this is the one
// endpoint a completely anonymous, pre-init client must be able to
// reach.
func (*Handler) RequiredPermission([]byte) permission.Permission {
	return permission.ViewPublic
}

// Handle implements command.Handler.
func (h *Handler) Handle(_ context.Context, s *session.Session, _ []byte) error {
	if err := s.WriteStatus(session.StatusOK, ""); err != nil {
		return trace.Wrap(err, "writing public_status status")
	}
	return trace.Wrap(s.WriteObject(Response{Status: h.source.PublicStatus()}))
}

// Dispatch queries the server's public status.
func Dispatch(ctx context.Context, opener command.SessionOpener) (Status, error) {
	var status Status
	err := command.Dispatch(ctx, opener, CommandKey, struct{}{}, func(_ context.Context, s *session.Session) (bool, error) {
		st, err := s.ReadStatus()
		if err != nil {
			return false, trace.Wrap(err, "reading public_status status")
		}
		if st.Code != session.StatusOK {
			return false, trace.Errorf("public_status rejected: %s: %s", st.Code, st.Message)
		}
		var resp Response
		if err := s.ReadObject(&resp); err != nil {
			return false, trace.Wrap(err, "reading public_status response")
		}
		status = resp.Status
		return false, nil
	})
	return status, err
}
