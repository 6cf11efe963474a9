package server

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/svalinhq/svalin/lib/defaults"
)

// CloseTimeout is returned by Shutdown when its task tracker does not
// drain within the caller-supplied deadline. It is advisory: Serve has
// already stopped accepting connections and the root cancellation
// token is already cancelled by the time this is returned, so the
// caller should still proceed with process exit rather than wait on
// Shutdown any further.
type CloseTimeout struct{}

// Error implements error.
func (CloseTimeout) Error() string {
	return "shutdown: in-flight handler tasks did not drain before the deadline"
}

// taskTracker tracks every goroutine Serve spawns so Shutdown can join
// them, and bounds the subset that run session handlers (per spec.md
// §5: a connection's own incoming-stream acceptor is unbounded, but
// the handler tasks it feeds are not).
type taskTracker struct {
	wg  sync.WaitGroup
	sem chan struct{}
}

func newTaskTracker(maxHandlers int) *taskTracker {
	return &taskTracker{sem: make(chan struct{}, maxHandlers)}
}

// trackConnection runs fn in its own tracked goroutine, exempt from
// the bounded handler-task limit.
func (t *taskTracker) trackConnection(fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

// spawnHandler blocks until a slot in the bounded handler task set is
// free or ctx ends, then runs fn in its own tracked goroutine. It
// returns false without running fn if ctx ends first.
func (t *taskTracker) spawnHandler(ctx context.Context, fn func()) bool {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() { <-t.sem }()
		fn()
	}()
	return true
}

// wait blocks until every tracked task has returned or ctx ends,
// whichever comes first.
func (t *taskTracker) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return trace.Wrap(CloseTimeout{})
	}
}

// Shutdown runs the graceful shutdown sequence spec.md §5 describes:
// cancel the root cancellation token (so every handler polling it at
// its next suspension point unwinds), close the QUIC listener Serve is
// running, giving it up to defaults.ShutdownGrace to finish, then wait
// for the task tracker to drain up to ctx's deadline. Serve itself
// always returns promptly once the root token is cancelled; Shutdown
// is what actually waits for in-flight work to finish, and it is safe
// to call at most once per Serve call. Calling it before Serve has
// started is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	s.runMu.Lock()
	cancel := s.rootCancel
	listener := s.listener
	tasks := s.tasks
	s.runMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	if listener != nil {
		graceCtx, graceCancel := context.WithTimeout(context.Background(), defaults.ShutdownGrace)
		defer graceCancel()
		closed := make(chan error, 1)
		go func() { closed <- listener.Close() }()
		select {
		case err := <-closed:
			if err != nil {
				log.WithError(err).Debug("closing listener during shutdown")
			}
		case <-graceCtx.Done():
			log.Warn("listener did not close within the shutdown grace window")
		}
	}

	if tasks == nil {
		return nil
	}
	return tasks.wait(ctx)
}
