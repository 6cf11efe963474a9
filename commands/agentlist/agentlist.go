// Package agentlist implements the agent_list subscription: an
// authenticated client first receives the full current roster, then a
// live stream of AgentUpdate notifications until it disconnects.
package agentlist

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/session"
	"github.com/svalinhq/svalin/lib/store"
)

// CommandKey is the wire command key for agent_list.
const CommandKey = "agent_list"

// Snapshot is the initial full roster sent immediately after the
// session opens.
type Snapshot struct {
	Agents []*pki.SignedObject `cbor:"agents"`
}

// Update is one live notification forwarded from store.AgentUpdate. A
// Kind of store.AgentLagged carries no meaningful Fingerprint: it means
// the store's broadcast overran this subscriber's buffer, and the
// caller should treat its roster as stale and re-dispatch agent_list
// (or otherwise resync) rather than trust the update stream.
type Update struct {
	Kind        store.AgentUpdateKind `cbor:"kind"`
	Fingerprint pki.Fingerprint       `cbor:"fingerprint"`
}

// Store is the subset of store.AgentStore the handler needs.
type Store interface {
	List() []*pki.SignedObject
	Subscribe() (<-chan store.AgentUpdate, func())
}

// Handler implements command.Handler for agent_list: after the
// snapshot, it blocks streaming updates until the peer disconnects or
// its context is cancelled, then returns and lets the accept loop
// close the session normally.
type Handler struct {
	agents Store
}

// NewHandler builds an agent_list handler backed by agents.
func NewHandler(agents Store) *Handler {
	return &Handler{agents: agents}
}

// RequiredPermission implements command.Handler: any authenticated
// peer (user or agent) may watch the roster.
func (*Handler) RequiredPermission([]byte) permission.Permission {
	return permission.AuthenticatedOnly
}

// Handle implements command.Handler.
func (h *Handler) Handle(ctx context.Context, s *session.Session, _ []byte) error {
	if err := s.WriteStatus(session.StatusOK, ""); err != nil {
		return trace.Wrap(err, "writing agent_list status")
	}

	snapshot := Snapshot{Agents: h.agents.List()}
	if err := s.WriteObject(snapshot); err != nil {
		return trace.Wrap(err, "writing agent_list snapshot")
	}

	updates, cancel := h.agents.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if err := s.WriteObject(Update{Kind: update.Kind, Fingerprint: update.Fingerprint}); err != nil {
				return trace.Wrap(err, "writing agent_list update")
			}
		}
	}
}

// Dispatch opens an agent_list session, invokes onSnapshot with the
// initial roster, then calls onUpdate for each live notification until
// ctx is cancelled or the session ends.
func Dispatch(ctx context.Context, opener command.SessionOpener, onSnapshot func(Snapshot), onUpdate func(Update)) error {
	return command.Dispatch(ctx, opener, CommandKey, struct{}{}, func(ctx context.Context, s *session.Session) (bool, error) {
		status, err := s.ReadStatus()
		if err != nil {
			return false, trace.Wrap(err, "reading agent_list status")
		}
		if status.Code != session.StatusOK {
			return false, trace.Errorf("agent_list rejected: %s: %s", status.Code, status.Message)
		}

		var snapshot Snapshot
		if err := s.ReadObject(&snapshot); err != nil {
			return false, trace.Wrap(err, "reading agent_list snapshot")
		}
		onSnapshot(snapshot)

		for {
			var update Update
			if err := s.ReadObject(&update); err != nil {
				return false, trace.Wrap(err, "reading agent_list update")
			}
			onUpdate(update)

			if ctx.Err() != nil {
				return false, ctx.Err()
			}
		}
	})
}
