// Package joinagent implements the agent join-by-code flow (spec §4.8):
// an agent generates a short join code and parks its connection with
// the server under that code; an operator claims the code once, the
// server splices the two connections together opaquely, and the two
// ends run their own inner TLS handshake pinned to certificates
// exchanged over the splice, deriving a short confirmation code a
// human compares out of band before the operator signs the agent its
// permanent identity.
package joinagent

import (
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/svalinhq/svalin/lib/defaults"
	"github.com/svalinhq/svalin/lib/rpc/session"
)

// disconnectPollInterval bounds how long a parked entry's liveness
// watcher blocks in a single Read call before re-checking whether its
// code has been claimed. Short enough that a disconnected agent's join
// code is freed promptly, long enough not to busy-loop.
const disconnectPollInterval = 2 * time.Second

// deadlineTransport is the subset of session.Transport a liveness
// watcher needs. Every real transport (a QUIC stream, a net.Conn) and
// net.Pipe (used in tests) satisfy it; a transport that doesn't is
// simply never watched, since there's no portable way to detect a
// disconnect without one.
type deadlineTransport interface {
	SetReadDeadline(time.Time) error
}

// entry is one parked join code, holding the agent's raw transport
// until an accept_join call claims it or the code expires.
type entry struct {
	transport session.Transport
	claimed   chan struct{}
	expired   chan struct{}
	once      sync.Once
}

func (e *entry) markClaimed() {
	e.once.Do(func() { close(e.claimed) })
}

// Registry is the server's table of join codes currently awaiting a
// claim. Codes are single-use: Take deletes the entry atomically under
// the same lock Put inserts under, so two concurrent Take calls for
// the same code can never both succeed.
type Registry struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry builds an empty join-code registry.
func NewRegistry(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{clock: clock, entries: make(map[string]*entry)}
}

// Put parks transport under code, starting its JoinCodeTTL eviction
// timer. Returns an error if code is already in use.
func (r *Registry) Put(code string, transport session.Transport) (*entry, error) {
	r.mu.Lock()
	if _, exists := r.entries[code]; exists {
		r.mu.Unlock()
		return nil, trace.AlreadyExists("join code %q is already in use", code)
	}
	e := &entry{transport: transport, claimed: make(chan struct{}), expired: make(chan struct{})}
	r.entries[code] = e
	r.mu.Unlock()

	go r.evict(code, e)
	return e, nil
}

// evict waits for whichever comes first: the code's TTL expiring, the
// code being claimed, or the parked agent's own transport closing
// (spec.md:195 requires the last of these to evict immediately rather
// than sit out the full TTL). The watcher goroutine it starts is only
// launched when the transport exposes a read deadline; without one the
// entry degrades to TTL-only eviction, matching the prior behavior.
func (r *Registry) evict(code string, e *entry) {
	timer := r.clock.NewTimer(defaults.JoinCodeTTL)
	defer timer.Stop()

	disconnected := make(chan struct{})
	if dt, ok := e.transport.(deadlineTransport); ok {
		go watchForDisconnect(dt, e.transport, e.claimed, disconnected)
	}

	select {
	case <-timer.Chan():
		r.delete(code, e)
		close(e.expired)
	case <-disconnected:
		r.delete(code, e)
		close(e.expired)
	case <-e.claimed:
	}
}

func (r *Registry) delete(code string, e *entry) {
	r.mu.Lock()
	if r.entries[code] == e {
		delete(r.entries, code)
	}
	r.mu.Unlock()
}

// watchForDisconnect polls transport with short read deadlines until
// claimed fires (the code was claimed; stop watching, the transport now
// belongs to the splice) or a Read returns an error that isn't a
// deadline timeout (the agent's connection dropped), in which case it
// closes disconnected. A second goroutine forces transport's deadline
// into the past as soon as claimed fires, so a blocked Read unblocks
// promptly instead of holding the watcher open for up to
// disconnectPollInterval after the code is already spoken for.
func watchForDisconnect(dt deadlineTransport, transport session.Transport, claimed, disconnected chan struct{}) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-claimed:
			dt.SetReadDeadline(time.Unix(0, 0))
		case <-stop:
		}
	}()

	buf := make([]byte, 1)
	for {
		select {
		case <-claimed:
			return
		default:
		}

		if err := dt.SetReadDeadline(time.Now().Add(disconnectPollInterval)); err != nil {
			return
		}
		_, err := transport.Read(buf)
		if err == nil {
			// No data is expected on a parked transport before its code
			// is claimed; treat an unexpected byte as activity, not a
			// disconnect, and keep watching.
			continue
		}

		select {
		case <-claimed:
			return
		default:
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			continue
		}
		close(disconnected)
		return
	}
}

// Take removes and returns the entry for code, if any is still parked.
// Only the first caller for a given code ever succeeds.
func (r *Registry) Take(code string) (*entry, bool) {
	r.mu.Lock()
	e, ok := r.entries[code]
	if ok {
		delete(r.entries, code)
	}
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.markClaimed()
	return e, true
}
