// Package realtime implements the client-side smart subscriber used
// for streaming commands (live status, `realtime_status`): a single
// shared upstream session fans out to any number of local receivers,
// started on the first subscribe and stopped once the last one drops.
package realtime

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/svalinhq/svalin/lib/defaults"
	"github.com/svalinhq/svalin/lib/rpc/session"
)

// Snapshot is one frame delivered by a realtime stream. The payload is
// left as raw codec bytes; decoding it into a concrete status type is
// the caller's concern, not this package's — it only guarantees
// delivery order, not content. A Snapshot with Lagged set carries no
// Data: it replaces whatever frame a slow receiver missed, telling
// that receiver to resync from the authoritative store rather than
// assume nothing changed.
type Snapshot struct {
	Data   []byte
	Lagged bool
}

// Opener opens the upstream session a Subscriber forwards frames from,
// e.g. dispatching the realtime_status command and handing back the
// resulting session left Open for reads.
type Opener func(ctx context.Context) (*session.Session, error)

// Subscriber is the smart subscriber: it holds a starter closure and
// fans out frames from at most one active upstream session to any
// number of local receivers.
type Subscriber struct {
	open Opener

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	receivers map[chan Snapshot]struct{}
}

// New builds a Subscriber that opens its upstream session via open.
func New(open Opener) *Subscriber {
	return &Subscriber{
		open:      open,
		receivers: make(map[chan Snapshot]struct{}),
	}
}

// Subscribe registers a new receiver, starting the upstream session if
// this is the first subscriber. The returned cancel function
// unregisters the receiver; once the last one unregisters, the
// upstream session is torn down. At most one upstream session is ever
// active concurrently.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, defaults.BroadcastChannelCapacity)

	s.mu.Lock()
	s.receivers[ch] = struct{}{}
	if !s.running {
		s.running = true
		taskCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		go s.run(taskCtx)
	}
	s.mu.Unlock()

	cancelFn := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.receivers[ch]; ok {
			delete(s.receivers, ch)
			close(ch)
		}
		if len(s.receivers) == 0 && s.running {
			s.running = false
			if s.cancel != nil {
				s.cancel()
			}
		}
	}
	return ch, cancelFn
}

// run owns one upstream session's lifetime: open it, forward frames
// until the context is cancelled or the stream errors, then mark the
// subscriber stopped so the next Subscribe restarts it.
func (s *Subscriber) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	upstream, err := s.open(ctx)
	if err != nil {
		log.WithError(err).Warn("realtime subscriber failed to open upstream session")
		return
	}
	defer upstream.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var frame struct {
			Data []byte `cbor:"data"`
		}
		if err := upstream.ReadObject(&frame); err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Debug("realtime subscriber upstream session ended")
			}
			return
		}

		s.broadcast(Snapshot{Data: frame.Data})
	}
}

func (s *Subscriber) broadcast(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.receivers {
		select {
		case ch <- snap:
		default:
			// Slow receiver: rather than drop this frame silently (the
			// receiver would then be unable to tell "no update" from
			// "missed an update"), evict the oldest queued frame and
			// replace it with a Lagged marker, per spec.md §5 — the
			// receiver's next read tells it to resync from the
			// authoritative store instead of trusting the stream.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- Snapshot{Lagged: true}:
			default:
			}
		}
	}
}

// ReceiverCount reports the number of currently registered receivers,
// for tests and metrics.
func (s *Subscriber) ReceiverCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receivers)
}
