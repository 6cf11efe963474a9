// Package update registers the check_update and start_update command
// keys with stub handlers. Agent self-update is OS-level machinery out
// of scope here; the command keys stay registered and
// permission-checked, returning trace.NotImplemented, so the registry
// and permission matrix remain exercisable end to end without porting
// the platform-specific update machinery itself.
package update

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/session"
)

// CheckUpdateCommandKey is the command key for checking whether a
// newer agent build is available.
const CheckUpdateCommandKey = "check_update"

// StartUpdateCommandKey is the command key for triggering an agent
// self-update.
const StartUpdateCommandKey = "start_update"

// Handler is the shared stub for both commands: it always rejects with
// trace.NotImplemented.
type Handler struct {
	commandKey string
}

// NewHandler builds a stub handler for commandKey (one of
// CheckUpdateCommandKey or StartUpdateCommandKey).
func NewHandler(commandKey string) *Handler {
	return &Handler{commandKey: commandKey}
}

// RequiredPermission implements command.Handler: agents themselves are
// the only peers with a reason to ask about their own update state.
func (*Handler) RequiredPermission([]byte) permission.Permission {
	return permission.AgentOnly
}

// Handle implements command.Handler.
func (h *Handler) Handle(_ context.Context, s *session.Session, _ []byte) error {
	err := trace.NotImplemented("%s is not implemented", h.commandKey)
	s.WriteStatus(session.StatusNotFound, err.Error())
	s.Close()
	return err
}

// Dispatch runs the caller side of either update command: it always
// returns the server's NotImplemented rejection as an error.
func Dispatch(ctx context.Context, opener command.SessionOpener, commandKey string) error {
	return command.Dispatch(ctx, opener, commandKey, struct{}{}, func(_ context.Context, s *session.Session) (bool, error) {
		status, err := s.ReadStatus()
		if err != nil {
			return false, trace.Wrap(err, "reading %s status", commandKey)
		}
		return false, trace.NotImplemented("%s: %s", commandKey, status.Message)
	})
}
