package notify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPushThenDrainReturnsAllPending(t *testing.T) {
	n, err := New()
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Push(Pending{FD: 11, Remote: "a"}))
	require.NoError(t, n.Push(Pending{FD: 12, Remote: "b"}))

	got := n.Drain()
	require.Len(t, got, 2)
	require.Equal(t, 11, got[0].FD)
	require.Equal(t, 12, got[1].FD)

	require.Empty(t, n.Drain(), "second drain with nothing pushed returns nothing")
}
