// Package retry implements a single-threaded timer wheel that delivers
// delayed callbacks, used by the connection engine for handshake and
// retransmission retries.
package retry

import (
	"container/heap"
	"sync"
	"time"
)

// Func is a scheduled callback. Returning true discards the task;
// returning false reschedules it after the same delay it was
// originally given.
type Func func() bool

// Scheduler runs scheduled [Func] callbacks on a single dedicated
// goroutine. The zero value is not usable; construct with [New].
type Scheduler struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   taskHeap
	closed bool
	done   chan struct{}
}

type task struct {
	retryAt time.Time
	delay   time.Duration
	fn      Func
}

type taskHeap []task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].retryAt.Before(h[j].retryAt) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(task)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// New starts a Scheduler's worker goroutine and returns it.
func New() *Scheduler {
	s := &Scheduler{done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// RetryAfter schedules fn to run after delay. If fn returns false it
// is rescheduled after the same delay again, indefinitely, until it
// returns true or the Scheduler is closed.
func (s *Scheduler) RetryAfter(delay time.Duration, fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	heap.Push(&s.heap, task{retryAt: time.Now().Add(delay), delay: delay, fn: fn})
	s.cond.Signal()
}

// Close stops the worker goroutine and discards any pending tasks
// without invoking them. It blocks until the worker has exited.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
	<-s.done
}

// run is the scheduler's single worker goroutine: it holds the mutex
// except while blocked waiting for either the next deadline or a
// wakeup (a new task scheduled earlier than the current soonest, or
// Close). Callbacks run with the mutex released, so a callback may
// itself call RetryAfter without deadlocking.
func (s *Scheduler) run() {
	defer close(s.done)
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return
		}
		if s.heap.Len() == 0 {
			s.cond.Wait()
			continue
		}
		wait := time.Until(s.heap[0].retryAt)
		if wait > 0 {
			s.waitFor(wait)
			continue
		}
		due := heap.Pop(&s.heap).(task)
		s.mu.Unlock()
		ok := due.fn()
		s.mu.Lock()
		if s.closed {
			return
		}
		if !ok {
			heap.Push(&s.heap, task{retryAt: time.Now().Add(due.delay), delay: due.delay, fn: due.fn})
		}
	}
}

// waitFor blocks on s.cond for at most d, with s.mu held on entry and
// on return. It wakes early if RetryAfter or Close signal the
// condition variable in the meantime.
func (s *Scheduler) waitFor(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()
	s.cond.Wait()
}
