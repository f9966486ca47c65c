package lockq_test

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/austream/au"
	"github.com/austream/au/lockq"
)

func TestQueue_tryOps(t *testing.T) {
	q := lockq.New(4)
	n := q.TrySend([]byte("abcdef"))
	require.Equal(t, 4, n)

	buf := make([]byte, 10)
	n = q.TryRecv(buf)
	require.Equal(t, 4, n)
	require.Equal(t, "abcd", string(buf[:n]))
}

func TestQueue_blockingSendRecv_concurrent(t *testing.T) {
	const total = 1 << 16
	q := lockq.New(37) // awkward, non-power-of-two capacity on purpose.

	src := make([]byte, total)
	rand.New(rand.NewSource(1)).Read(src)

	var wg sync.WaitGroup
	wg.Add(2)
	var sendErr, recvErr error
	go func() {
		defer wg.Done()
		sendErr = q.Send(src)
	}()
	dst := make([]byte, total)
	go func() {
		defer wg.Done()
		recvErr = q.Recv(dst)
	}()
	wg.Wait()

	require.NoError(t, sendErr)
	require.NoError(t, recvErr)
	require.Equal(t, src, dst)
}

func TestQueue_manyInterleavedChunks(t *testing.T) {
	const total = 100_000
	q := lockq.New(16)
	src := make([]byte, total)
	for i := range src {
		src[i] = byte(i)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		off := 0
		for off < total {
			n := 1 + rand.Intn(64)
			if off+n > total {
				n = total - off
			}
			require.NoError(t, q.Send(src[off:off+n]))
			off += n
		}
	}()
	dst := make([]byte, total)
	go func() {
		defer wg.Done()
		off := 0
		for off < total {
			n := 1 + rand.Intn(64)
			if off+n > total {
				n = total - off
			}
			require.NoError(t, q.Recv(dst[off:off+n]))
			off += n
		}
	}()
	wg.Wait()
	require.Equal(t, src, dst)
}

func TestQueue_shutdownWakesBlockedCalls(t *testing.T) {
	q := lockq.New(1)
	q.TrySend([]byte{'x'}) // fill the one slot so a further Send blocks.

	done := make(chan error, 1)
	go func() {
		done <- q.Send([]byte("more"))
	}()

	time.Sleep(10 * time.Millisecond) // give the goroutine a chance to block.
	q.Shutdown()

	select {
	case err := <-done:
		require.ErrorIs(t, err, au.ErrShutDown)
	case <-time.After(time.Second):
		t.Fatal("Send did not wake up after Shutdown")
	}
}

func TestQueue_recvAfterShutdownAlwaysErrors(t *testing.T) {
	// Once shut down, Recv reports shutdown even if bytes remain queued
	// from before the shutdown: the queue does not keep draining after
	// a shutdown has been observed, matching the reference locking
	// queue's try_recv_lock_held, which checks the shutdown flag before
	// looking at queue contents.
	q := lockq.New(4)
	q.TrySend([]byte("ab"))
	q.Shutdown()

	buf := make([]byte, 1)
	err := q.Recv(buf)
	require.ErrorIs(t, err, au.ErrShutDown)
}
