// Package connection implements svalin's two connection kinds: a
// Direct QUIC connection between two directly-reachable peers, and a
// Forward connection that tunnels sessions through a server to a peer
// that is not directly reachable. Both satisfy Connection, and the
// live-connection Registry indexes Direct connections by peer
// fingerprint so a server can locate "the connection to agent X" when
// handling a forward request.
package connection

import (
	"context"
	"sync"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/pki"
	"github.com/svalinhq/svalin/lib/rpc/session"
	"github.com/svalinhq/svalin/lib/verify"
)

// Connection is anything that can open and accept sessions with a
// single authenticated (or, for bootstrap endpoints, anonymous) peer.
type Connection interface {
	// OpenSession opens a new Created session.
	OpenSession(ctx context.Context) (*session.Session, error)
	// AcceptSession awaits the next inbound session.
	AcceptSession(ctx context.Context) (*session.Session, error)
	// Peer is the identity this connection authenticated, established
	// once at handshake time.
	Peer() verify.Peer
	// Closed is closed when the underlying transport terminates.
	Closed() <-chan struct{}
	// Close tears down the connection.
	Close() error
}

// Registry is the server's live-connection table: it maps an agent's
// certificate fingerprint to its current Direct connection, the only
// place in the system where connection lifetime is tied to identity.
// Modeled on the teacher's reverse-tunnel site registry, backed here
// by a plain mutex-guarded map since entries churn under concurrent
// connect/disconnect with no need for the ordered-iteration or
// fairness guarantees a third-party concurrent map would add.
type Registry struct {
	mu          sync.RWMutex
	connections map[pki.Fingerprint]Connection
}

// NewRegistry builds an empty live-connection table.
func NewRegistry() *Registry {
	return &Registry{connections: make(map[pki.Fingerprint]Connection)}
}

// Put registers conn under fingerprint, replacing any previous
// connection for the same fingerprint (the old connection is left to
// the caller to close).
func (r *Registry) Put(fingerprint pki.Fingerprint, conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[fingerprint] = conn
}

// Get resolves the current connection to fingerprint.
func (r *Registry) Get(fingerprint pki.Fingerprint) (Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[fingerprint]
	if !ok {
		return nil, trace.NotFound("no live connection for fingerprint")
	}
	return conn, nil
}

// Remove drops fingerprint's entry iff it still points at conn (so a
// connection that was already replaced by a newer one for the same
// fingerprint does not clobber the replacement on its own teardown).
func (r *Registry) Remove(fingerprint pki.Fingerprint, conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.connections[fingerprint]; ok && current == conn {
		delete(r.connections, fingerprint)
	}
}

// Len reports the number of live connections, for metrics/tests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}
