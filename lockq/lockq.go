// Package lockq implements a bounded, mutex-guarded byte queue with
// blocking and non-blocking send/recv and a shutdown signal, used as
// the send window and receive queue of every AU connection.
package lockq

import (
	"sync"

	"github.com/austream/au"
	"github.com/austream/au/cyclicq"
)

// Queue is a producer/consumer byte buffer of fixed capacity. The zero
// value is not usable; construct with [New] or [NewShared].
type Queue struct {
	mu       *sync.Mutex
	ownsMu   bool
	spaceAvl *sync.Cond
	dataAvl  *sync.Cond
	q        *cyclicq.Queue[byte, uint32]
	shutdown bool
}

// New returns a Queue with its own private mutex and the given
// capacity.
func New(capacity int) *Queue {
	mu := new(sync.Mutex)
	return newQueue(mu, true, capacity)
}

// NewShared returns a Queue guarded by the caller-supplied mutex,
// rather than one private to the queue. A connection uses this to
// share a single mutex between its send window and receive queue, so
// the dispatcher can atomically examine and mutate both alongside its
// state machine, per the broker/connection locking discipline.
func NewShared(mu *sync.Mutex, capacity int) *Queue {
	return newQueue(mu, false, capacity)
}

func newQueue(mu *sync.Mutex, owns bool, capacity int) *Queue {
	return &Queue{
		mu:       mu,
		ownsMu:   owns,
		spaceAvl: sync.NewCond(mu),
		dataAvl:  sync.NewCond(mu),
		q:        cyclicq.New[byte, uint32](capacity),
	}
}

// BeginID returns the sequence id of the oldest byte held. The caller
// must already hold the queue's mutex (true by construction for a
// connection's own send window, which shares its mutex).
func (lq *Queue) BeginID() uint32 {
	return lq.q.BeginID()
}

// EndID returns one past the sequence id of the newest byte held. The
// caller must already hold the queue's mutex.
func (lq *Queue) EndID() uint32 {
	return lq.q.EndID()
}

// ResetID sets the queue's begin/end id; it must be empty.
func (lq *Queue) ResetID(id uint32) {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	lq.q.ResetID(id)
}

// PeekFromLocked copies up to len(out) contiguous bytes starting at id
// into out, stopping at the first id not currently in the queue, and
// returns the number of bytes copied. The bytes are not removed. The
// caller must already hold the queue's mutex (true by construction for
// a connection's own send window, which shares its mutex).
func (lq *Queue) PeekFromLocked(id uint32, out []byte) int {
	n := 0
	for n < len(out) && lq.q.Contains(id+uint32(n)) {
		out[n] = *lq.q.At(id + uint32(n))
		n++
	}
	return n
}

// PopUntilLocked pops and discards queued bytes from the front while
// BeginID() is before upTo (wrap-aware: it stops as soon as upTo is no
// longer strictly ahead of BeginID(), and also stops if the queue runs
// empty first so it never pops past EndID()). It returns the number of
// bytes popped. The caller must already hold the queue's mutex.
func (lq *Queue) PopUntilLocked(upTo uint32) int {
	n := 0
	for !lq.q.Empty() && lq.q.BeginID() != upTo {
		lq.q.PopFront()
		n++
	}
	if n > 0 {
		lq.spaceAvl.Signal()
	}
	return n
}

// Lock and Unlock expose the queue's mutex so a caller (the connection
// state machine) can hold it across inspection of several shared
// structures at once. WithLock is preferred where it fits.
func (lq *Queue) Lock()   { lq.mu.Lock() }
func (lq *Queue) Unlock() { lq.mu.Unlock() }

// WithLock runs fn with the queue's mutex held, giving it access to
// the underlying cyclicq.Queue for combined inspection/mutation (e.g.
// "pop acknowledged bytes, then check whether any remain").
func (lq *Queue) WithLock(fn func(q *cyclicq.Queue[byte, uint32])) {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	fn(lq.q)
	// A caller may have freed space or produced data; wake one waiter of
	// each kind so liveness doesn't depend on them having gone through
	// TrySendLocked/TryRecvLocked.
	lq.dataAvl.Signal()
	lq.spaceAvl.Signal()
}

// Send blocks until all of buf has been enqueued or the queue is shut
// down, in which case it returns [au.ErrShutDown] having transferred a
// possibly non-empty prefix.
func (lq *Queue) Send(buf []byte) error {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	for len(buf) > 0 {
		for !lq.shutdown && lq.q.Full() {
			lq.spaceAvl.Wait()
		}
		n, err := lq.trySendLocked(buf)
		buf = buf[n:]
		if err != nil {
			return err
		}
	}
	if !lq.q.Full() {
		lq.spaceAvl.Signal()
	}
	return nil
}

// Recv blocks until len(buf) bytes have been dequeued into buf or the
// queue is shut down, in which case it returns [au.ErrShutDown] having
// filled a possibly shorter prefix of buf.
func (lq *Queue) Recv(buf []byte) error {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	for len(buf) > 0 {
		for !lq.shutdown && lq.q.Empty() {
			lq.dataAvl.Wait()
		}
		n, err := lq.tryRecvLocked(buf)
		buf = buf[n:]
		if err != nil {
			return err
		}
	}
	if !lq.q.Empty() {
		lq.dataAvl.Signal()
	}
	return nil
}

// TrySend moves as many of buf's bytes into the queue as fit without
// blocking, returning the count moved. It does not report shutdown;
// use TrySendLocked under WithLock if that distinction matters.
func (lq *Queue) TrySend(buf []byte) int {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	n, _ := lq.trySendLocked(buf)
	return n
}

// TryRecv moves as many queued bytes into buf as are available,
// without blocking, returning the count moved.
func (lq *Queue) TryRecv(buf []byte) int {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	n, _ := lq.tryRecvLocked(buf)
	return n
}

// TrySendLocked is the lock-already-held variant of TrySend, for use
// by a connection's dispatcher which is already holding the shared
// mutex while updating other connection state. It returns
// [au.ErrShutDown] if the queue has been shut down.
func (lq *Queue) TrySendLocked(buf []byte) (int, error) {
	return lq.trySendLocked(buf)
}

// TryRecvLocked is the lock-already-held variant of TryRecv.
func (lq *Queue) TryRecvLocked(buf []byte) (int, error) {
	return lq.tryRecvLocked(buf)
}

func (lq *Queue) trySendLocked(buf []byte) (int, error) {
	if lq.shutdown {
		return 0, au.ErrShutDown
	}
	n := 0
	for n < len(buf) && !lq.q.Full() {
		lq.q.PushBack(buf[n])
		n++
	}
	if n > 0 {
		lq.dataAvl.Signal()
	}
	return n, nil
}

func (lq *Queue) tryRecvLocked(buf []byte) (int, error) {
	if lq.shutdown {
		return 0, au.ErrShutDown
	}
	n := 0
	for n < len(buf) && !lq.q.Empty() {
		buf[n] = lq.q.PopFront()
		n++
	}
	if n > 0 {
		lq.spaceAvl.Signal()
	}
	return n, nil
}

// Shutdown marks the queue shut down and wakes every blocked Send and
// Recv call. Calling it again on a queue that is already shut down has
// no effect.
func (lq *Queue) Shutdown() {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	lq.shutdownLocked()
}

// ShutdownLocked is the lock-already-held variant of Shutdown, for a
// dispatcher that already holds the connection's shared mutex.
func (lq *Queue) ShutdownLocked() {
	lq.shutdownLocked()
}

func (lq *Queue) shutdownLocked() {
	if lq.shutdown {
		return
	}
	lq.shutdown = true
	lq.spaceAvl.Broadcast()
	lq.dataAvl.Broadcast()
}

// IsShutDown reports whether Shutdown has been called.
func (lq *Queue) IsShutDown() bool {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	return lq.shutdown
}
