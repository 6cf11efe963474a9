package realtimestatus

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/svalinhq/svalin/lib/defaults"
)

// TickerSource is a Source that calls snapshot on a fixed interval and
// broadcasts the result to every current subscriber, dropping the
// frame for any subscriber whose channel is full rather than blocking.
// Unlike store.MemoryAgentStore's and lib/realtime.Subscriber's
// broadcasts, this one has no Lagged signal to hand back: its wire
// format (Frame, realtime_status's own RPC payload) is fixed by
// spec.md §6, and in the normal case it has exactly one subscriber (the
// single operator session currently open against this agent), so a
// drop here means that one session's own send side is backed up, not
// that an independent receiver silently missed a broadcast. The
// client-facing resync signal lives one layer up, in
// lib/realtime.Subscriber, which every frame this type emits passes
// through.
type TickerSource struct {
	clock    clockwork.Clock
	interval time.Duration
	snapshot func() []byte

	mu        sync.Mutex
	running   bool
	stop      chan struct{}
	receivers map[chan []byte]struct{}
}

// NewTickerSource builds a TickerSource calling snapshot every
// interval once at least one subscriber is registered.
func NewTickerSource(clock clockwork.Clock, interval time.Duration, snapshot func() []byte) *TickerSource {
	return &TickerSource{
		clock:     clock,
		interval:  interval,
		snapshot:  snapshot,
		receivers: make(map[chan []byte]struct{}),
	}
}

// Subscribe implements Source.
func (t *TickerSource) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, defaults.BroadcastChannelCapacity)

	t.mu.Lock()
	t.receivers[ch] = struct{}{}
	if !t.running {
		t.running = true
		t.stop = make(chan struct{})
		go t.run(t.stop)
	}
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.receivers[ch]; ok {
			delete(t.receivers, ch)
			close(ch)
		}
		if len(t.receivers) == 0 && t.running {
			t.running = false
			close(t.stop)
		}
	}
	return ch, cancel
}

func (t *TickerSource) run(stop chan struct{}) {
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			t.broadcast(t.snapshot())
		}
	}
}

// ReceiverCount reports the number of currently registered receivers,
// for tests.
func (t *TickerSource) ReceiverCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.receivers)
}

func (t *TickerSource) broadcast(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ch := range t.receivers {
		select {
		case ch <- data:
		default:
		}
	}
}
