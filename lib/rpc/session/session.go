// Package session implements the unit of conversation over a
// connection: a request envelope exchange followed by a sequence of
// codec objects, with support for atomically replacing the underlying
// transport (used to upgrade a forwarded session to inner TLS).
package session

import (
	"io"
	"sync"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/codec"
	"github.com/svalinhq/svalin/lib/verify"
)

// State is a session's position in its life cycle.
type State int

const (
	// Created is the state immediately after the raw stream is
	// accepted/opened, before the request envelope has been
	// exchanged.
	Created State = iota
	// Open is the state once the request envelope has been written
	// (dispatcher side) or read and accepted (handler side); handler
	// bodies run with the session Open.
	Open
	// Closed is terminal; no further reads or writes are permitted.
	Closed
)

// Transport is the minimal duplex byte stream a session runs over.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Envelope is the one object exchanged at session creation: the
// command key plus its codec-encoded request payload.
type Envelope struct {
	CommandKey string `cbor:"command_key"`
	Request    []byte `cbor:"request"`
}

// StatusCode distinguishes the terminating status objects a session
// writes back instead of leaving the dispatcher to read a truncated
// stream.
type StatusCode string

const (
	StatusOK               StatusCode = "ok"
	StatusUnknownCommand   StatusCode = "unknown_command"
	StatusPermissionDenied StatusCode = "permission_denied"
	StatusDecodeRequest    StatusCode = "decode_request"
	// StatusNotFound reports that a request named something the
	// handler has no record of: an unknown join code, a missing live
	// connection, an absent store record.
	StatusNotFound StatusCode = "not_found"
)

// Status is the terminating object a handler-side accept loop writes
// before closing a session it could not or would not service.
type Status struct {
	Code    StatusCode `cbor:"code"`
	Message string     `cbor:"message"`
}

// Session is the unit of conversation over one raw stream. Read/write
// calls are not safe for concurrent use by design (the protocol is
// strictly sequential, per command); the mutex below guards only
// transport replacement, which must not race a concurrent read/write.
type Session struct {
	mu        sync.Mutex
	transport Transport
	reader    *codec.ObjectReader
	writer    *codec.ObjectWriter

	state State
	peer  verify.Peer
}

// New wraps transport as a Created session carrying peer, the
// identity already established during the connection's handshake.
func New(transport Transport, peer verify.Peer) *Session {
	return &Session{
		transport: transport,
		reader:    codec.NewObjectReader(transport),
		writer:    codec.NewObjectWriter(transport),
		state:     Created,
		peer:      peer,
	}
}

// Peer returns the identity this session was created with. Immutable
// except through Deauthenticate, which builds a whole new Session
// rather than mutating this field in place.
func (s *Session) Peer() verify.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// State returns the session's current life-cycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WriteEnvelope encodes request and writes the initial request
// envelope, transitioning Created → Open. Called by the dispatcher
// side immediately after opening a raw stream.
func (s *Session) WriteEnvelope(commandKey string, request interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Created {
		return trace.BadParameter("cannot write request envelope from state %d", s.state)
	}

	encoded, err := codec.EncodeObject(request)
	if err != nil {
		return trace.Wrap(err, "encoding request")
	}

	if err := s.writer.WriteObject(Envelope{CommandKey: commandKey, Request: encoded}); err != nil {
		return trace.Wrap(err, "writing request envelope")
	}
	s.state = Open
	return nil
}

// ReadEnvelope reads the initial request envelope, transitioning
// Created → Open. Called by the handler-side accept loop.
func (s *Session) ReadEnvelope() (*Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Created {
		return nil, trace.BadParameter("cannot read request envelope from state %d", s.state)
	}

	var envelope Envelope
	if err := s.reader.ReadObject(&envelope); err != nil {
		return nil, trace.Wrap(err, "reading request envelope")
	}
	s.state = Open
	return &envelope, nil
}

// WriteStatus writes a terminating status object. Valid from any
// non-Closed state; callers close the session immediately afterward.
func (s *Session) WriteStatus(code StatusCode, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return trace.BadParameter("cannot write status on a closed session")
	}
	return s.writer.WriteObject(Status{Code: code, Message: message})
}

// ReadStatus reads a terminating status object.
func (s *Session) ReadStatus() (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var status Status
	if err := s.reader.ReadObject(&status); err != nil {
		return nil, trace.Wrap(err, "reading status")
	}
	return &status, nil
}

// WriteObject writes one codec object over the session's current
// transport. Requires the session to be Open.
func (s *Session) WriteObject(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Open {
		return trace.BadParameter("cannot write object from state %d", s.state)
	}
	return s.writer.WriteObject(v)
}

// ReadObject reads one codec object over the session's current
// transport. Requires the session to be Open.
func (s *Session) ReadObject(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Open {
		return trace.BadParameter("cannot read object from state %d", s.state)
	}
	return s.reader.ReadObject(v)
}

// ReplaceTransport atomically swaps the session's underlying
// transport for one derived from the current transport by f. Used
// exclusively to wrap a forwarded session's raw transport in TLS. The
// session is not usable by any other caller while this runs, since the
// same mutex guards ordinary reads and writes.
func (s *Session) ReplaceTransport(f func(current Transport) (Transport, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return trace.BadParameter("cannot replace transport on a closed session")
	}

	next, err := f(s.transport)
	if err != nil {
		return trace.Wrap(err, "replacing session transport")
	}
	s.transport = next
	s.reader = codec.NewObjectReader(next)
	s.writer = codec.NewObjectWriter(next)
	return nil
}

// Rebuild returns a brand new Created session over this session's
// current transport, carrying newPeer instead of the original peer.
// Used exclusively by the Deauthenticate handler to downgrade a
// session to anonymous without discarding an already-upgraded
// transport.
func (s *Session) Rebuild(newPeer verify.Peer) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return New(s.transport, newPeer)
}

// Detach marks the session Closed without closing the underlying
// transport, and returns that transport. Used wherever ownership of
// the raw stream passes to something else entirely: a Takeable
// handler splicing it into another connection, or a forwarding
// dispatcher that hands it to a nested session as a new raw
// transport. The session itself becomes unusable; nothing but the
// returned transport survives.
func (s *Session) Detach() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.transport
	s.state = Closed
	return t
}

// Close transitions the session to Closed and closes its underlying
// transport. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return nil
	}
	s.state = Closed
	return trace.Wrap(s.transport.Close())
}
