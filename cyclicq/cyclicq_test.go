package cyclicq_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/austream/au/cyclicq"
)

func TestQueue_basicFIFO(t *testing.T) {
	q := cyclicq.New[byte, uint32](4)
	require.True(t, q.Empty())
	require.False(t, q.Full())

	q.PushBack('a')
	q.PushBack('b')
	require.Equal(t, 2, q.Len())
	require.Equal(t, byte('a'), q.Front())

	require.Equal(t, byte('a'), q.PopFront())
	q.PushBack('c')
	q.PushBack('d')
	q.PushBack('e')
	require.True(t, q.Full())

	var got []byte
	for !q.Empty() {
		got = append(got, q.PopFront())
	}
	require.Equal(t, []byte("bcde"), got)
}

func TestQueue_wrapAroundIDs(t *testing.T) {
	const capacity = 4
	q := cyclicq.New[byte, uint8](capacity)
	// Push the id space right up against its wrap point.
	q.ResetID(253)
	for _, b := range []byte("abcd") {
		q.PushBack(b)
	}
	require.Equal(t, uint8(253), q.BeginID())
	require.Equal(t, uint8(1), q.EndID()) // 253+4 wraps past 255.

	for id := uint8(253); id != 1; id++ {
		require.Truef(t, q.Contains(id), "id %d should be contained", id)
	}
	require.False(t, q.Contains(1))
	require.False(t, q.Contains(252))

	*q.At(254) = 'X'
	q.PopFront()
	require.Equal(t, byte('X'), q.Front())
}

func TestQueue_invariant_sizeEqualsEndMinusBegin(t *testing.T) {
	q := cyclicq.New[byte, uint32](3)
	ops := []rune("pppopop")
	for _, op := range ops {
		switch op {
		case 'p':
			if !q.Full() {
				q.PushBack(0)
			}
		case 'o':
			if !q.Empty() {
				q.PopFront()
			}
		}
		require.Equal(t, uint32(q.Len()), q.EndID()-q.BeginID())
		require.Equal(t, q.Empty(), q.BeginID() == q.EndID())
	}
}

func TestQueue_resetIDPanicsWhenNonEmpty(t *testing.T) {
	q := cyclicq.New[byte, uint32](2)
	q.PushBack(1)
	require.Panics(t, func() { q.ResetID(5) })
}

func TestQueue_pushPastCapacityPanics(t *testing.T) {
	q := cyclicq.New[byte, uint32](1)
	q.PushBack(1)
	require.Panics(t, func() { q.PushBack(2) })
}
