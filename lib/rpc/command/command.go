// Package command implements svalin's command registry and the
// dispatch/accept algorithms built on top of a session: handlers are
// looked up by key, checked against the permission handler, and
// invoked; dispatchers write the initial request envelope and hand
// back a session to a command-specific body.
package command

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/permission"
	"github.com/svalinhq/svalin/lib/rpc/session"
)

// Handler is a server-side command implementation. RequiredPermission
// is evaluated against the raw, still-encoded request bytes before
// Handle ever runs, so a handler can gate on request content without
// paying for a decode that might be rejected anyway. Handle owns
// decoding: a malformed request should write session.StatusDecodeRequest
// and return an error, rather than letting the accept loop guess.
type Handler interface {
	RequiredPermission(rawRequest []byte) permission.Permission
	Handle(ctx context.Context, s *session.Session, rawRequest []byte) error
}

// Takeable marks a Handler that takes ownership of the session's
// transport rather than returning it to the runtime to close. Required
// for handlers that detach the transport entirely: TLS upgrade,
// bidirectional splice, relay.
type Takeable interface {
	Handler
	Takeable()
}

// Registry maps command keys to their server-side handler.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds an empty command registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds key to handler. Registering the same key twice
// overwrites the previous binding; call sites are expected to do this
// exactly once at startup.
func (r *Registry) Register(key string, handler Handler) {
	r.handlers[key] = handler
}

// Lookup resolves a command key to its handler.
func (r *Registry) Lookup(key string) (Handler, bool) {
	h, ok := r.handlers[key]
	return h, ok
}

// Accept runs the server-side accept algorithm against a freshly
// created session: read the request envelope, look up the handler,
// check permission, invoke it, and close the session unless the
// handler took ownership of it.
func Accept(ctx context.Context, registry *Registry, permHandler permission.Handler, s *session.Session) error {
	envelope, err := s.ReadEnvelope()
	if err != nil {
		return trace.Wrap(err, "reading request envelope")
	}

	handler, ok := registry.Lookup(envelope.CommandKey)
	if !ok {
		writeStatusAndClose(s, session.StatusUnknownCommand, "unknown command: "+envelope.CommandKey)
		return trace.NotFound("unknown command %q", envelope.CommandKey)
	}

	requiredPermission := handler.RequiredPermission(envelope.Request)
	if err := permHandler.May(s.Peer(), requiredPermission); err != nil {
		writeStatusAndClose(s, session.StatusPermissionDenied, err.Error())
		return trace.Wrap(err, "permission denied for command %q", envelope.CommandKey)
	}

	handleErr := handler.Handle(ctx, s, envelope.Request)

	if _, takeable := handler.(Takeable); !takeable {
		if err := s.Close(); err != nil {
			log.WithError(err).WithField("command", envelope.CommandKey).Warn("closing session after handler return")
		}
	}

	if handleErr != nil {
		log.WithError(handleErr).WithField("command", envelope.CommandKey).Error("command handler failed")
		return trace.Wrap(handleErr, "handling command %q", envelope.CommandKey)
	}
	return nil
}

func writeStatusAndClose(s *session.Session, code session.StatusCode, message string) {
	if err := s.WriteStatus(code, message); err != nil {
		log.WithError(err).Warn("writing terminating status")
	}
	if err := s.Close(); err != nil {
		log.WithError(err).Warn("closing session after terminating status")
	}
}

// SessionOpener opens a new Created session on some connection. Both
// Direct and Forward connections (lib/rpc/connection) implement it.
type SessionOpener interface {
	OpenSession(ctx context.Context) (*session.Session, error)
}

// Dispatch runs the client-side dispatch algorithm: open a session,
// write the request envelope, run body, then close the session unless
// body reports it took ownership of it (e.g. to keep using the
// transport after an upgrade).
func Dispatch(ctx context.Context, opener SessionOpener, key string, request interface{}, body func(ctx context.Context, s *session.Session) (taken bool, err error)) error {
	s, err := opener.OpenSession(ctx)
	if err != nil {
		return trace.Wrap(err, "opening session for command %q", key)
	}

	if err := s.WriteEnvelope(key, request); err != nil {
		s.Close()
		return trace.Wrap(err, "writing request envelope for command %q", key)
	}

	taken, err := body(ctx, s)
	if !taken {
		if closeErr := s.Close(); closeErr != nil && err == nil {
			err = trace.Wrap(closeErr, "closing session for command %q", key)
		}
	}
	return err
}
