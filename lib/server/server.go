// Package server assembles svalin's control-plane command registry and
// drives its QUIC accept loop: it owns the user/agent/session stores,
// the live-connection table, the join-code registry, and the
// deployment's root of trust, wiring all of it into the single
// command.Registry every client-opened session is dispatched against,
// including the two stub commands (check_update, start_update) an
// agent's own Direct connection to the server reaches.
package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/svalinhq/svalin/commands/addagent"
	"github.com/svalinhq/svalin/commands/adduser"
	"github.com/svalinhq/svalin/commands/agentlist"
	"github.com/svalinhq/svalin/commands/deauthenticate"
	"github.com/svalinhq/svalin/commands/firstinit"
	"github.com/svalinhq/svalin/commands/forward"
	"github.com/svalinhq/svalin/commands/joinagent"
	"github.com/svalinhq/svalin/commands/login"
	"github.com/svalinhq/svalin/commands/ping"
	"github.com/svalinhq/svalin/commands/publicstatus"
	"github.com/svalinhq/svalin/commands/update"
	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/rpc/command"
	"github.com/svalinhq/svalin/lib/rpc/connection"
	"github.com/svalinhq/svalin/lib/store"
	"github.com/svalinhq/svalin/lib/verify"
)

// Server is the control plane: one instance per deployment, holding
// every piece of shared state the command registry closes over.
type Server struct {
	clock clockwork.Clock

	users       store.UserStore
	agents      store.AgentStore
	sessions    store.SessionStore
	connections *connection.Registry
	joins       *joinagent.Registry

	mu          sync.RWMutex
	initialized bool
	root        *pki.Certificate
	credential  *pki.Credential

	permission atomic.Value // permission.Handler

	registry *command.Registry

	runMu      sync.Mutex
	listener   Listener
	rootCancel context.CancelFunc
	tasks      *taskTracker
}

// New builds a Server with its full command registry wired and its
// permission policy set to Anonymous, the correct policy for a
// deployment that has not yet run first-init.
func New(clock clockwork.Clock) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	s := &Server{
		clock:       clock,
		users:       store.NewMemoryUserStore(),
		agents:      store.NewMemoryAgentStore(),
		sessions:    store.NewMemorySessionStore(),
		connections: connection.NewRegistry(),
		joins:       joinagent.NewRegistry(clock),
		registry:    command.NewRegistry(),
	}
	s.permission.Store(permission.Handler(permission.Anonymous()))
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	lookup := userLookup{users: s.users}

	s.registry.Register(ping.CommandKey, ping.NewHandler())
	s.registry.Register(publicstatus.CommandKey, publicstatus.NewHandler(s))
	s.registry.Register(firstinit.CommandKey, firstinit.NewHandler(s).WithClock(s.clock))
	s.registry.Register(adduser.CommandKey, adduser.NewHandler(s.users))
	s.registry.Register(login.CommandKey, login.NewHandler(lookup))
	s.registry.Register(deauthenticate.CommandKey, deauthenticate.NewHandler(s.registry, s))
	s.registry.Register(forward.CommandKey, forward.NewHandler(s.connections))
	s.registry.Register(joinagent.JoinRequestCommandKey, joinagent.NewJoinRequestHandler(s.joins))
	s.registry.Register(joinagent.AcceptJoinCommandKey, joinagent.NewAcceptJoinHandler(s.joins))
	s.registry.Register(addagent.CommandKey, addagent.NewHandler(s.agents).WithClock(s.clock))
	s.registry.Register(agentlist.CommandKey, agentlist.NewHandler(s.agents))
	s.registry.Register(update.CheckUpdateCommandKey, update.NewHandler(update.CheckUpdateCommandKey))
	s.registry.Register(update.StartUpdateCommandKey, update.NewHandler(update.StartUpdateCommandKey))
}

// Registry returns the assembled command registry, for use by Serve
// and by tests that want to drive command.Accept directly against a
// net.Pipe-backed session.
func (s *Server) Registry() *command.Registry { return s.registry }

// May implements permission.Handler by delegating to whichever policy
// is currently active (Anonymous pre-init, Server post-init). Passed
// to deauthenticate.NewHandler as the nested permission check, and to
// Serve's own accept loop.
func (s *Server) May(peer verify.Peer, p permission.Permission) error {
	return s.permission.Load().(permission.Handler).May(peer, p)
}

// Initialized implements firstinit.Store.
func (s *Server) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// StoreRootOfTrust implements firstinit.Store: it persists the
// deployment's root certificate and the server's own credential
// exactly once, then swaps the live permission policy from Anonymous
// to the full Server matrix, unblocking every other command.
func (s *Server) StoreRootOfTrust(root *pki.Certificate, credential *pki.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return trace.AlreadyExists("first-init already completed")
	}
	s.root = root
	s.credential = credential
	s.initialized = true
	s.permission.Store(permission.Handler(permission.Server(root)))
	return nil
}

// PublicStatus implements publicstatus.Source.
func (s *Server) PublicStatus() publicstatus.Status {
	if s.Initialized() {
		return publicstatus.Ready
	}
	return publicstatus.WaitingForInit
}

// RootOfTrust returns the deployment's root certificate and the
// server's own credential, once first-init has completed.
func (s *Server) RootOfTrust() (*pki.Certificate, *pki.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return nil, nil, trace.NotFound("deployment is not yet initialized")
	}
	return s.root, s.credential, nil
}

// Connections returns the server's live Direct-connection table, for
// wiring an agent-side dialer or admin tooling that needs to inspect
// which agents are currently reachable.
func (s *Server) Connections() *connection.Registry { return s.connections }

// Agents returns the server's agent store, for admin tooling (e.g. a
// CLI listing or removing agents outside the RPC surface).
func (s *Server) Agents() store.AgentStore { return s.agents }

// Users returns the server's user store, for admin tooling.
func (s *Server) Users() store.UserStore { return s.users }

// userLookup adapts store.UserStore to login.UserLookup's narrower,
// already-decoded-credential shape: the store holds EncryptedCredential
// as a parsed *pki.EncryptedBlob (so add_user can validate it once on
// the way in), but login hands the raw bytes back over the wire, so
// this adapter re-marshals it on the way out.
type userLookup struct {
	users store.UserStore
}

func (u userLookup) ClientHashParams(username string) (pki.Argon2Params, error) {
	record, err := u.users.ByUsername(username)
	if err != nil {
		return pki.Argon2Params{}, trace.Wrap(err, "looking up user %q", username)
	}
	return record.ClientHashParams, nil
}

func (u userLookup) EncryptedCredential(username string) ([]byte, error) {
	record, err := u.users.ByUsername(username)
	if err != nil {
		return nil, trace.Wrap(err, "looking up user %q", username)
	}
	return record.EncryptedCredential.Marshal()
}
