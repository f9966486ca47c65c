package retry_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/austream/au/retry"
)

func TestScheduler_runsOnceAfterDelay(t *testing.T) {
	s := retry.New()
	defer s.Close()

	fired := make(chan time.Time, 1)
	start := time.Now()
	s.RetryAfter(20*time.Millisecond, func() bool {
		fired <- time.Now()
		return true
	})

	select {
	case at := <-fired:
		require.GreaterOrEqual(t, at.Sub(start), 15*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("task never fired")
	}
}

func TestScheduler_retriesUntilDone(t *testing.T) {
	s := retry.New()
	defer s.Close()

	var mu sync.Mutex
	count := 0
	done := make(chan struct{})
	s.RetryAfter(5*time.Millisecond, func() bool {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n >= 3 {
			close(done)
			return true
		}
		return false
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not retry to completion")
	}
	mu.Lock()
	require.Equal(t, 3, count)
	mu.Unlock()
}

func TestScheduler_twoPeriods_orderedFirings(t *testing.T) {
	s := retry.New()
	defer s.Close()

	const p1, p2 = 8 * time.Millisecond, 10 * time.Millisecond
	var mu sync.Mutex
	var order []string
	record := func(label string) {
		mu.Lock()
		order = append(order, label)
		mu.Unlock()
	}
	done := make(chan struct{})
	closeOnce := sync.Once{}

	var armP1, armP2 func() bool
	armP1 = func() bool {
		record("P1")
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n >= 5 {
			closeOnce.Do(func() { close(done) })
			return true
		}
		s.RetryAfter(p1, armP1)
		return true
	}
	armP2 = func() bool {
		record("P2")
		s.RetryAfter(p2, armP2)
		return true
	}
	s.RetryAfter(p1, armP1)
	s.RetryAfter(p2, armP2)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("did not observe 5 firings in time")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(order), 5)
	require.Equal(t, []string{"P1", "P2", "P1", "P2", "P1"}, order[:5])
}

func TestScheduler_closeDrainsWithoutInvoking(t *testing.T) {
	s := retry.New()
	invoked := false
	s.RetryAfter(time.Hour, func() bool {
		invoked = true
		return true
	})
	s.Close()
	require.False(t, invoked)
}
