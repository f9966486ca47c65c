package conn

import (
	"context"
	"errors"
	"sync"

	"github.com/austream/au"
)

// Listener is a bound, not-yet-accepted AU endpoint: every inbound SYN
// the broker observes against the listener's local endpoint builds a
// Conn, drives its handshake, and queues the Conn here once
// established for [Listener.Accept] to hand to the application.
type Listener struct {
	local au.Endpoint

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*Conn
	closed  bool
}

// NewListener returns a Listener bound to local. The caller must
// register it with a broker so inbound SYNs reach [Listener.Offer].
func NewListener(local au.Endpoint) *Listener {
	l := &Listener{local: local}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Local returns the listener's bound endpoint.
func (l *Listener) Local() au.Endpoint { return l.local }

// ErrListenerClosed is returned by Accept once the listener has been
// closed.
var ErrListenerClosed = errors.New("au: listener closed")

// backlog bounds how many established-but-unaccepted connections a
// listener holds before it stops growing its queue; additional
// connections still complete their handshake (matching a
// fully-established TCP accept queue) but are capped to prevent
// unbounded growth from an unaccepting application.
const backlog = 64

// Offer is called by the broker once a connection spawned from a SYN
// against this listener reaches ESTABLISHED. It is safe to call from
// the broker's dispatch goroutine.
func (l *Listener) Offer(c *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || len(l.pending) >= backlog {
		return
	}
	l.pending = append(l.pending, c)
	l.cond.Signal()
}

// Accept blocks until an established connection is available, the
// listener is closed, or ctx is done.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.cond.Broadcast()
			l.mu.Unlock()
		case <-done:
		}
	}()

	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.pending) == 0 && !l.closed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l.cond.Wait()
	}
	if len(l.pending) == 0 {
		return nil, ErrListenerClosed
	}
	c := l.pending[0]
	l.pending = l.pending[1:]
	return c, nil
}

// Close marks the listener closed and wakes every blocked Accept.
// Connections already queued or established are unaffected.
func (l *Listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.cond.Broadcast()
}
