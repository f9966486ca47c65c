package austream

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/austream/au"
)

func TestClient_operationsBeforeConnectAreUninitialized(t *testing.T) {
	c := NewClient("localhost", 9001, 301)

	require.ErrorIs(t, c.Send([]byte("x")), au.ErrSocketUninitialized)
	require.ErrorIs(t, c.Recv(make([]byte, 1)), au.ErrSocketUninitialized)
	require.ErrorIs(t, c.Close(), au.ErrSocketUninitialized)
}

func TestResolveIPv4_unresolvableHostFails(t *testing.T) {
	_, err := resolveIPv4("this-host-name-does-not-resolve.invalid")
	require.ErrorIs(t, err, au.ErrHostResolve)
}

func TestResolveIPv4_loopbackResolves(t *testing.T) {
	ep, err := resolveIPv4("localhost")
	require.NoError(t, err)
	require.Equal(t, [4]byte{127, 0, 0, 1}, ep.Addr)
}
