// Package addagent implements the final step of the join-by-code flow:
// once a human has confirmed the short authentication string on both
// ends, the approving operator submits the freshly signed agent
// certificate for the server to persist.
package addagent

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/svalinhq/svalin/lib/codec"
	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/session"
	"github.com/svalinhq/svalin/lib/store"
	"github.com/svalinhq/svalin/lib/verify"
)

// CommandKey is the wire command key for add_agent.
const CommandKey = "add_agent"

// Request carries the signed public agent record: a SignedObject whose
// payload is store.PublicAgentData and whose embedded certificate must
// be signed by this very session's own authenticated peer.
type Request struct {
	Agent *pki.SignedObject `cbor:"agent"`
}

// Store is the subset of store.AgentStore the handler needs.
type Store interface {
	Put(agent *pki.SignedObject) error
}

// Handler implements command.Handler for add_agent.
type Handler struct {
	agents Store
	clock  clockwork.Clock
}

// NewHandler builds an add_agent handler backed by agents.
func NewHandler(agents Store) *Handler {
	return &Handler{agents: agents, clock: clockwork.NewRealClock()}
}

// WithClock overrides the clock used to evaluate certificate validity,
// for deterministic tests.
func (h *Handler) WithClock(clock clockwork.Clock) *Handler {
	h.clock = clock
	return h
}

// RequiredPermission implements command.Handler: any authenticated
// operator who completed a join confirmation may register the result,
// the same way any authenticated peer may watch agent_list.
func (*Handler) RequiredPermission([]byte) permission.Permission {
	return permission.AuthenticatedOnly
}

// Handle implements command.Handler. It trusts nothing but the
// session's own authenticated peer: the embedded SignedObject must be
// signed by exactly that peer's certificate, and the agent certificate
// it carries must in turn be signed by the same peer — proof that this
// is the operator who ran the join confirmation, not a replay of
// someone else's submission.
func (h *Handler) Handle(_ context.Context, s *session.Session, rawRequest []byte) error {
	var req Request
	if err := codec.DecodeObject(rawRequest, &req); err != nil {
		s.WriteStatus(session.StatusDecodeRequest, err.Error())
		return trace.Wrap(err, "decoding add_agent request")
	}

	peer := s.Peer()
	if peer.Anonymous || peer.Certificate == nil {
		s.WriteStatus(session.StatusPermissionDenied, "add_agent requires an authenticated peer")
		return trace.AccessDenied("add_agent requires an authenticated peer")
	}

	var data store.PublicAgentData
	if err := req.Agent.Verify(verify.Exact(peer.Certificate), h.clock.Now(), &data); err != nil {
		s.WriteStatus(session.StatusDecodeRequest, err.Error())
		return trace.Wrap(err, "verifying signed agent record against the submitting peer")
	}

	agentCert, err := pki.ParseCertificate(data.Certificate)
	if err != nil {
		s.WriteStatus(session.StatusDecodeRequest, err.Error())
		return trace.Wrap(err, "parsing agent certificate")
	}
	if agentCert.Type() != pki.CertTypeAgent || agentCert.IsSelfSigned() {
		s.WriteStatus(session.StatusDecodeRequest, "certificate is not an issued agent certificate")
		return trace.BadParameter("add_agent certificate has type %s, want agent", agentCert.Type())
	}
	if err := agentCert.VerifySignature(peer.Certificate.PublicKey()); err != nil {
		s.WriteStatus(session.StatusDecodeRequest, "agent certificate is not signed by the submitting peer")
		return trace.Wrap(err, "agent certificate signature does not chain to submitting peer")
	}

	if err := h.agents.Put(req.Agent); err != nil {
		s.WriteStatus(session.StatusDecodeRequest, err.Error())
		return trace.Wrap(err, "storing new agent")
	}

	return trace.Wrap(s.WriteStatus(session.StatusOK, ""))
}

// Dispatch submits a signed agent record over an already-authenticated
// session.
func Dispatch(ctx context.Context, opener command.SessionOpener, agent *pki.SignedObject) error {
	return command.Dispatch(ctx, opener, CommandKey, Request{Agent: agent}, func(_ context.Context, s *session.Session) (bool, error) {
		status, err := s.ReadStatus()
		if err != nil {
			return false, trace.Wrap(err, "reading add_agent status")
		}
		if status.Code != session.StatusOK {
			return false, trace.Errorf("add_agent rejected: %s: %s", status.Code, status.Message)
		}
		return false, nil
	})
}
